// Package gattops provides the read, write, discover, and
// allow-notifications primitives the Orchestrator exposes over the bus, each
// wrapping internal/session with transaction locking, connect- and
// discover-if-needed bootstrapping, and declared-type value coercion.
package gattops

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/sterwen-technology/blegw/internal/bleerr"
	"github.com/sterwen-technology/blegw/internal/gatt"
	"github.com/sterwen-technology/blegw/internal/registry"
	"github.com/sterwen-technology/blegw/internal/session"
)

// DefaultNotifyKeep is the keep value allow_notifications uses when the
// caller's keep is unspecified or non-positive.
const DefaultNotifyKeep = 10 * time.Second

// ReadAction names one characteristic to read and the declared type its
// value should be coerced to.
type ReadAction struct {
	Characteristic string
	Type           gatt.ValueType
}

// ReadResult is the outcome of one ReadAction, reported per-action even
// when the batch as a whole continues.
type ReadResult struct {
	Characteristic string
	Type           gatt.ValueType
	Value          interface{}
	Err            error
}

// WriteAction names one characteristic to write, its declared type, and the
// value to encode.
type WriteAction struct {
	Characteristic string
	Type           gatt.ValueType
	Value          interface{}
}

// WriteResult is the outcome of one WriteAction.
type WriteResult struct {
	Characteristic string
	Err            error
}

// NotifyAction names one characteristic to subscribe, optionally carrying a
// value to write after notifications are enabled.
type NotifyAction struct {
	Characteristic string
	Type           gatt.ValueType
	HasValue       bool
	Value          interface{}
}

// DiscoverResult is the structured description the discover primitive
// returns.
type DiscoverResult struct {
	Services []DiscoverService
}

// DiscoverService is one service entry in a DiscoverResult.
type DiscoverService struct {
	UUID            string
	Characteristics []DiscoverCharacteristic
}

// DiscoverCharacteristic is one characteristic entry; Properties is only
// populated when the caller asked for include_properties.
type DiscoverCharacteristic struct {
	UUID       string
	Properties *uint8
}

// Ops composes the session Manager and device Registry into the GattOps
// primitives.
type Ops struct {
	sessions *session.Manager
	devices  *registry.Registry
}

// New constructs Ops over a session Manager and device Registry.
func New(sessions *session.Manager, devices *registry.Registry) *Ops {
	return &Ops{sessions: sessions, devices: devices}
}

// resolve looks up mac in the registry and connects+discovers it if not
// already in that state.
func (o *Ops) resolve(ctx context.Context, mac string) (*registry.Device, error) {
	dev, ok := o.devices.Get(mac)
	if !ok {
		return nil, bleerr.State("gattops.resolve", fmt.Errorf("device %s not found", mac))
	}

	// connect and discover run under the device transaction lock so two
	// commands racing on a disconnected device cannot open it twice.
	o.sessions.BeginTransaction(dev, true, true)
	defer o.sessions.EndTransaction(dev)

	switch dev.ConnState() {
	case registry.StateConnected, registry.StateDiscovered:
	default:
		if err := o.sessions.Connect(ctx, dev, 0); err != nil {
			return nil, err
		}
	}
	if !dev.Discovered() {
		if err := o.sessions.Discover(ctx, dev, nil); err != nil {
			_ = o.sessions.Disconnect(dev)
			return nil, err
		}
	}
	return dev, nil
}

// channel resolves a characteristic reference from a command payload against
// the device's discovered channel index. Unparseable UUID strings behave like
// unknown characteristics.
func (o *Ops) channel(dev *registry.Device, uuidStr string) (*gatt.Characteristic, bool) {
	u, err := gatt.ParseUUID(uuidStr)
	if err != nil {
		dev.Log.WithField("characteristic", uuidStr).Warn("unparseable characteristic UUID")
		return nil, false
	}
	return dev.Channel(u)
}

// armKeep arms the device's auto-disconnect timer for keep seconds once a
// GATT operation completes; keep <= 0 disconnects immediately.
func (o *Ops) armKeep(dev *registry.Device, keep time.Duration) {
	if keep <= 0 {
		_ = o.sessions.Disconnect(dev)
		return
	}
	o.sessions.ArmDisconnectTimer(dev, keep)
}

// ReadCharacteristics reads each named characteristic and coerces the raw
// bytes to its declared type. Non-existent characteristics are skipped; a
// read failure is reported per-action and poisons the rest of the batch
// only because the connection is then presumed lost.
func (o *Ops) ReadCharacteristics(ctx context.Context, mac string, actions []ReadAction, keep time.Duration) ([]ReadResult, error) {
	dev, err := o.resolve(ctx, mac)
	if err != nil {
		return nil, err
	}

	o.sessions.BeginTransaction(dev, true, true)
	defer o.sessions.EndTransaction(dev)

	conn, ok := o.sessions.Conn(dev)
	if !ok {
		return nil, bleerr.State("gattops.ReadCharacteristics", errConnLost)
	}

	results := make([]ReadResult, 0, len(actions))
	connLost := false
	for _, a := range actions {
		ch, ok := o.channel(dev, a.Characteristic)
		if !ok {
			dev.Log.WithField("characteristic", a.Characteristic).Warn("read: characteristic not found, skipping")
			continue
		}
		name := ch.UUID.String()
		if connLost {
			results = append(results, ReadResult{Characteristic: name, Type: a.Type, Err: errConnLost})
			continue
		}

		raw, err := conn.ReadCharacteristic(ctx, ch.ValueHandle)
		if err != nil {
			results = append(results, ReadResult{Characteristic: name, Type: a.Type, Err: bleerr.ReadFailed("gattops.Read", err)})
			connLost = true
			continue
		}

		v, err := Coerce(a.Type, raw)
		if err != nil {
			results = append(results, ReadResult{Characteristic: name, Type: a.Type, Err: bleerr.Decode("gattops.Read", err)})
			continue
		}
		results = append(results, ReadResult{Characteristic: name, Type: a.Type, Value: v})
	}

	o.armKeep(dev, keep)
	return results, nil
}

// WriteCharacteristics encodes and writes each action's value. A write
// error aborts the remaining actions in the batch: the connection is likely
// impaired.
func (o *Ops) WriteCharacteristics(ctx context.Context, mac string, actions []WriteAction, keep time.Duration) ([]WriteResult, error) {
	dev, err := o.resolve(ctx, mac)
	if err != nil {
		return nil, err
	}

	o.sessions.BeginTransaction(dev, true, true)
	defer o.sessions.EndTransaction(dev)

	conn, ok := o.sessions.Conn(dev)
	if !ok {
		return nil, bleerr.State("gattops.WriteCharacteristics", errConnLost)
	}

	results := make([]WriteResult, 0, len(actions))
	for _, a := range actions {
		ch, ok := o.channel(dev, a.Characteristic)
		if !ok {
			dev.Log.WithField("characteristic", a.Characteristic).Warn("write: characteristic not found, skipping")
			continue
		}
		name := ch.UUID.String()

		b, err := Encode(a.Type, a.Value)
		if err != nil {
			results = append(results, WriteResult{Characteristic: name, Err: bleerr.Decode("gattops.Write", err)})
			break
		}

		withResponse := ch.Properties&gatt.CharWrite != 0
		if err := conn.WriteCharacteristic(ctx, ch.ValueHandle, b, withResponse); err != nil {
			results = append(results, WriteResult{Characteristic: name, Err: bleerr.WriteFailed("gattops.Write", err)})
			break
		}
		results = append(results, WriteResult{Characteristic: name})
	}

	o.armKeep(dev, keep)
	return results, nil
}

// AllowNotifications enables the 0x2902 CCCD for each notify/indicate-
// capable characteristic named, attaches the per-device notification
// listener on first subscription, and (when an action carries a value)
// performs the value write after enabling notifications.
func (o *Ops) AllowNotifications(ctx context.Context, mac string, actions []NotifyAction, keep time.Duration) ([]WriteResult, error) {
	if keep <= 0 {
		keep = DefaultNotifyKeep
	}

	dev, err := o.resolve(ctx, mac)
	if err != nil {
		return nil, err
	}

	o.sessions.BeginTransaction(dev, true, true)
	defer o.sessions.EndTransaction(dev)

	conn, ok := o.sessions.Conn(dev)
	if !ok {
		return nil, bleerr.State("gattops.AllowNotifications", errConnLost)
	}

	results := make([]WriteResult, 0, len(actions))
	subscribed := false
	for _, a := range actions {
		ch, ok := o.channel(dev, a.Characteristic)
		if !ok || !ch.HasCCCD {
			results = append(results, WriteResult{Characteristic: a.Characteristic, Err: bleerr.NotifyEnableFailed("gattops.AllowNotifications", fmt.Errorf("characteristic %s has no CCCD", a.Characteristic))})
			continue
		}
		name := ch.UUID.String()

		cccd := make([]byte, 2)
		binary.LittleEndian.PutUint16(cccd, gatt.CCCNotifyFlag)
		if err := conn.WriteDescriptor(ctx, ch.CCCDHandle, cccd); err != nil {
			results = append(results, WriteResult{Characteristic: name, Err: bleerr.NotifyEnableFailed("gattops.AllowNotifications", err)})
			continue
		}
		ch.DeclaredType = a.Type
		subscribed = true

		if a.HasValue {
			b, err := Encode(a.Type, a.Value)
			if err != nil {
				results = append(results, WriteResult{Characteristic: name, Err: bleerr.Decode("gattops.AllowNotifications", err)})
				continue
			}
			if err := conn.WriteCharacteristic(ctx, ch.ValueHandle, b, true); err != nil {
				results = append(results, WriteResult{Characteristic: name, Err: bleerr.WriteFailed("gattops.AllowNotifications", err)})
				continue
			}
		}
		results = append(results, WriteResult{Characteristic: name})
	}

	if subscribed {
		o.sessions.StartNotifications(dev)
	}
	o.armKeep(dev, keep)
	return results, nil
}

// Discover returns the structured description of dev's GATT table, forcing
// a fresh discovery pass (optionally scoped to one service).
func (o *Ops) Discover(ctx context.Context, mac string, keep time.Duration, service *string, includeProperties bool) (DiscoverResult, error) {
	dev, ok := o.devices.Get(mac)
	if !ok {
		return DiscoverResult{}, bleerr.State("gattops.Discover", fmt.Errorf("device %s not found", mac))
	}

	o.sessions.BeginTransaction(dev, true, true)
	defer o.sessions.EndTransaction(dev)

	switch dev.ConnState() {
	case registry.StateConnected, registry.StateDiscovered:
	default:
		if err := o.sessions.Connect(ctx, dev, 0); err != nil {
			return DiscoverResult{}, err
		}
	}

	var svcUUID *gatt.UUID
	if service != nil {
		u, err := gatt.ParseUUID(*service)
		if err != nil {
			return DiscoverResult{}, bleerr.State("gattops.Discover", fmt.Errorf("invalid service UUID %q", *service))
		}
		svcUUID = &u
	}
	if err := o.sessions.Discover(ctx, dev, svcUUID); err != nil {
		_ = o.sessions.Disconnect(dev)
		return DiscoverResult{}, err
	}

	var out DiscoverResult
	for _, svc := range dev.Services() {
		ds := DiscoverService{UUID: svc.UUID.String()}
		for _, ch := range svc.Characteristics {
			dc := DiscoverCharacteristic{UUID: ch.UUID.String()}
			if includeProperties {
				p := uint8(ch.Properties)
				dc.Properties = &p
			}
			ds.Characteristics = append(ds.Characteristics, dc)
		}
		out.Services = append(out.Services, ds)
	}

	o.armKeep(dev, keep)
	return out, nil
}

// Coerce is the read-side type coercion table: declared type -> decoded
// value.
func Coerce(t gatt.ValueType, raw []byte) (interface{}, error) {
	switch t {
	case gatt.TypeRaw, gatt.TypeBytes:
		return hex.EncodeToString(raw), nil
	case gatt.TypeInt:
		switch len(raw) {
		case 1:
			return int64(raw[0]), nil
		case 2:
			return int64(binary.LittleEndian.Uint16(raw)), nil
		case 4:
			return int64(binary.LittleEndian.Uint32(raw)), nil
		default:
			return nil, fmt.Errorf("gattops: int needs 1, 2 or 4 bytes, got %d", len(raw))
		}
	case gatt.TypeUint8:
		if len(raw) != 1 {
			return nil, fmt.Errorf("gattops: uint8 needs 1 byte, got %d", len(raw))
		}
		return int64(raw[0]), nil
	case gatt.TypeUint16:
		if len(raw) != 2 {
			return nil, fmt.Errorf("gattops: uint16 needs 2 bytes, got %d", len(raw))
		}
		return int64(binary.LittleEndian.Uint16(raw)), nil
	case gatt.TypeUint32:
		if len(raw) != 4 {
			return nil, fmt.Errorf("gattops: uint32 needs 4 bytes, got %d", len(raw))
		}
		return int64(binary.LittleEndian.Uint32(raw)), nil
	case gatt.TypeInt8:
		if len(raw) != 1 {
			return nil, fmt.Errorf("gattops: int8 needs 1 byte, got %d", len(raw))
		}
		return int64(int8(raw[0])), nil
	case gatt.TypeInt16:
		if len(raw) != 2 {
			return nil, fmt.Errorf("gattops: int16 needs 2 bytes, got %d", len(raw))
		}
		return int64(int16(binary.LittleEndian.Uint16(raw))), nil
	case gatt.TypeInt32:
		if len(raw) != 4 {
			return nil, fmt.Errorf("gattops: int32 needs 4 bytes, got %d", len(raw))
		}
		return int64(int32(binary.LittleEndian.Uint32(raw))), nil
	case gatt.TypeFloat32:
		if len(raw) != 4 {
			return nil, fmt.Errorf("gattops: float32 needs 4 bytes, got %d", len(raw))
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw))), nil
	case gatt.TypeString, gatt.TypeUUID:
		return string(raw), nil
	default:
		return nil, fmt.Errorf("gattops: unknown declared type %d", t)
	}
}

// Encode is the write-side encoding: declared type -> raw bytes, the
// inverse of Coerce.
func Encode(t gatt.ValueType, v interface{}) ([]byte, error) {
	switch t {
	case gatt.TypeRaw, gatt.TypeBytes:
		switch vv := v.(type) {
		case []byte:
			return vv, nil
		case string:
			return hex.DecodeString(vv)
		default:
			return nil, fmt.Errorf("gattops: raw write needs []byte or hex string, got %T", v)
		}
	case gatt.TypeInt:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		// natural width: the narrowest of 1/2/4 bytes the value fits in.
		switch {
		case n >= 0 && n < 1<<8:
			return []byte{byte(n)}, nil
		case n >= 0 && n < 1<<16:
			b := make([]byte, 2)
			binary.LittleEndian.PutUint16(b, uint16(n))
			return b, nil
		default:
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, uint32(n))
			return b, nil
		}
	case gatt.TypeUint8, gatt.TypeInt8:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return []byte{byte(n)}, nil
	case gatt.TypeUint16, gatt.TypeInt16:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(n))
		return b, nil
	case gatt.TypeUint32, gatt.TypeInt32:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(n))
		return b, nil
	case gatt.TypeFloat32:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(f)))
		return b, nil
	case gatt.TypeString, gatt.TypeUUID:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("gattops: string write needs a string, got %T", v)
		}
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("gattops: unknown declared type %d", t)
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("gattops: expected a number, got %T", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("gattops: expected a number, got %T", v)
	}
}

type connLostError struct{}

func (connLostError) Error() string { return "connection lost mid-batch" }

var errConnLost = connLostError{}
