// Package decode maps GATT service UUIDs (and, for vendor frames,
// manufacturer IDs) to functions that turn raw advertisement bytes into
// typed values. The registry keeps both an id-indexed and a name-indexed
// table and falls back to the raw bytes for anything unregistered.
package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/sterwen-technology/blegw/internal/gatt"
)

// Decoder turns a service-data payload into a decoded value. The built-in
// decoders return int64, float64, []byte (raw passthrough), or a map of
// named fields (alert level, 3-axis vector).
type Decoder func(data []byte) (interface{}, error)

// Entry pairs a human-readable name with the decoder registered for a
// service UUID.
type Entry struct {
	Name    string
	Decoder Decoder
}

// Registry is a service-UUID-keyed decoder table. The zero value is not
// usable; construct one with NewRegistry, which preloads the built-in GATT
// Assigned Numbers decoders.
type Registry struct {
	byUUID  map[string]Entry
	byName  map[string]string // name -> uuid string, for reverse lookup
	byMfgID map[uint16]Entry  // vendor decoders, keyed by manufacturer ID
}

// NewRegistry returns a Registry preloaded with the built-in decoders.
func NewRegistry() *Registry {
	r := &Registry{byUUID: map[string]Entry{}, byName: map[string]string{}, byMfgID: map[uint16]Entry{}}
	r.Register(gatt.UUID16(0x2A19), "battery_level", decodeUint(1))
	r.Register(gatt.UUID16(0x180F), "battery_level", decodeUint(1))
	r.Register(gatt.UUID16(0x2A6E), "temperature", decodeTemperature)
	r.Register(gatt.UUID16(0x2A6F), "humidity", decodeHumidity)
	r.Register(gatt.UUID16(0x2A3F), "alert_status", decodeUint(1))
	r.Register(gatt.UUID16(0x2A06), "alert_level", decodeAlertLevel)
	r.Register(gatt.UUID16(0x2A58), "analog", decodeUint(2))
	r.Register(gatt.UUID16(0x2AA1), "magnetic_flux_density_3d", decodeVector3i16)
	r.Register(gatt.EddystoneUUID, "eddystone", decodeRaw)
	return r
}

// Register adds or replaces the decoder for a service UUID. Registration is
// expected at startup; the registry is not safe for concurrent Register
// calls racing Decode.
func (r *Registry) Register(uuid gatt.UUID, name string, d Decoder) {
	key := uuid.String()
	r.byUUID[key] = Entry{Name: name, Decoder: d}
	r.byName[name] = key
}

// RegisterManufacturer adds or replaces the vendor decoder for a Bluetooth
// SIG manufacturer ID. Vendor decoders operate on the manufacturer-data blob
// (after the 2-byte ID), per the manufacturer-ID namespace rule.
func (r *Registry) RegisterManufacturer(id uint16, name string, d Decoder) {
	r.byMfgID[id] = Entry{Name: name, Decoder: d}
}

// DecodeManufacturer applies the vendor decoder registered for id to the
// manufacturer-data blob. The ok return is false when no decoder is
// registered for id.
func (r *Registry) DecodeManufacturer(id uint16, data []byte) (name string, value interface{}, ok bool, err error) {
	e, found := r.byMfgID[id]
	if !found {
		return "", nil, false, nil
	}
	v, err := e.Decoder(data)
	return e.Name, v, true, err
}

// Decode looks up the decoder for uuid and applies it to data. Unknown
// UUIDs yield the raw bytes unchanged.
func (r *Registry) Decode(uuid gatt.UUID, data []byte) (name string, value interface{}, err error) {
	e, ok := r.byUUID[uuid.String()]
	if !ok {
		return "", append([]byte(nil), data...), nil
	}
	v, err := e.Decoder(data)
	return e.Name, v, err
}

// NameFor returns the registered name for a service UUID, or "" if none is
// registered.
func (r *Registry) NameFor(uuid gatt.UUID) string {
	return r.byUUID[uuid.String()].Name
}

// UUIDForName is the reverse of NameFor, used when a control message refers
// to a characteristic by its registered name rather than its UUID.
func (r *Registry) UUIDForName(name string) (string, bool) {
	u, ok := r.byName[name]
	return u, ok
}

func decodeRaw(data []byte) (interface{}, error) {
	return append([]byte(nil), data...), nil
}

func decodeUint(width int) Decoder {
	return func(data []byte) (interface{}, error) {
		if len(data) < width {
			return nil, fmt.Errorf("decode: need %d bytes, got %d", width, len(data))
		}
		switch width {
		case 1:
			return int64(data[0]), nil
		case 2:
			return int64(binary.LittleEndian.Uint16(data)), nil
		case 4:
			return int64(binary.LittleEndian.Uint32(data)), nil
		default:
			return nil, fmt.Errorf("decode: unsupported width %d", width)
		}
	}
}

// decodeTemperature implements 0x2A6E: a signed 16-bit little-endian value
// in units of 0.01 degrees Celsius.
func decodeTemperature(data []byte) (interface{}, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("decode: temperature needs 2 bytes, got %d", len(data))
	}
	raw := int16(binary.LittleEndian.Uint16(data))
	return float64(raw) * 0.01, nil
}

// decodeHumidity implements 0x2A6F: unsigned 8-bit value in units of 0.5%.
func decodeHumidity(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("decode: humidity needs 1 byte, got %d", len(data))
	}
	return float64(data[0]) * 0.5, nil
}

// decodeAlertLevel implements 0x2A06 as a 1-bit active flag plus a 15-bit
// counter: the flag is bit 0 of the first byte, and the counter is bits 1-15
// of the first two bytes read as a little-endian 16-bit value. A one-byte
// payload (the common case in practice) reports a counter of 0.
func decodeAlertLevel(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("decode: alert_level needs at least 1 byte, got %d", len(data))
	}
	active := data[0]&0x01 != 0
	var counter int64
	if len(data) >= 2 {
		counter = int64(binary.LittleEndian.Uint16(data[:2]) >> 1)
	}
	return map[string]interface{}{"active": active, "counter": counter}, nil
}

// decodeVector3i16 implements 0x2AA1: three little-endian signed 16-bit
// axes.
func decodeVector3i16(data []byte) (interface{}, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("decode: vector3 needs 6 bytes, got %d", len(data))
	}
	return map[string]float64{
		"x": float64(int16(binary.LittleEndian.Uint16(data[0:2]))),
		"y": float64(int16(binary.LittleEndian.Uint16(data[2:4]))),
		"z": float64(int16(binary.LittleEndian.Uint16(data[4:6]))),
	}, nil
}
