package decode

import (
	"math"
	"testing"

	"github.com/sterwen-technology/blegw/internal/gatt"
)

func TestDecodeTemperature(t *testing.T) {
	r := NewRegistry()
	name, v, err := r.Decode(gatt.UUID16(0x2A6E), []byte{0x34, 0x12})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if name != "temperature" {
		t.Errorf("name = %q, want temperature", name)
	}
	if got := v.(float64); math.Abs(got-46.60) > 1e-9 {
		t.Errorf("value = %v, want 46.60", got)
	}
}

func TestDecodeTemperatureNegative(t *testing.T) {
	r := NewRegistry()
	_, v, err := r.Decode(gatt.UUID16(0x2A6E), []byte{0x18, 0xFC}) // -1000 -> -10.00
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := v.(float64); math.Abs(got-(-10.0)) > 1e-9 {
		t.Errorf("value = %v, want -10.0", got)
	}
}

func TestDecodeHumidity(t *testing.T) {
	r := NewRegistry()
	name, v, err := r.Decode(gatt.UUID16(0x2A6F), []byte{0x63})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if name != "humidity" {
		t.Errorf("name = %q, want humidity", name)
	}
	if got := v.(float64); got != 49.5 {
		t.Errorf("value = %v, want 49.5", got)
	}
}

func TestDecodeBatteryLevel(t *testing.T) {
	r := NewRegistry()
	_, v, err := r.Decode(gatt.UUID16(0x2A19), []byte{0x55})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.(int64) != 85 {
		t.Errorf("value = %v, want 85", v)
	}
}

func TestDecodeUnknownYieldsRaw(t *testing.T) {
	r := NewRegistry()
	name, v, err := r.Decode(gatt.UUID16(0xFFFF), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if name != "" {
		t.Errorf("name = %q, want empty for unregistered UUID", name)
	}
	b := v.([]byte)
	if len(b) != 3 || b[0] != 1 {
		t.Errorf("value = %v, want raw bytes", v)
	}
}

func TestDecodeShortPayloadErrors(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Decode(gatt.UUID16(0x2A6E), []byte{0x12}); err == nil {
		t.Error("temperature accepted 1 byte")
	}
}

func TestNameLookups(t *testing.T) {
	r := NewRegistry()
	if got := r.NameFor(gatt.UUID16(0x2A6E)); got != "temperature" {
		t.Errorf("NameFor = %q", got)
	}
	u, ok := r.UUIDForName("temperature")
	if !ok || u != "2a6e" {
		t.Errorf("UUIDForName = %q, %v", u, ok)
	}
}

func TestManufacturerNamespace(t *testing.T) {
	r := NewRegistry()
	r.RegisterManufacturer(0x0499, "ruuvi", func(data []byte) (interface{}, error) {
		return int64(len(data)), nil
	})

	name, v, ok, err := r.DecodeManufacturer(0x0499, []byte{1, 2, 3})
	if err != nil || !ok {
		t.Fatalf("DecodeManufacturer: ok=%v err=%v", ok, err)
	}
	if name != "ruuvi" || v.(int64) != 3 {
		t.Errorf("got %q/%v", name, v)
	}

	if _, _, ok, _ := r.DecodeManufacturer(0x004C, nil); ok {
		t.Error("unregistered manufacturer reported a decoder")
	}
}

func TestDecodeVector3(t *testing.T) {
	r := NewRegistry()
	_, v, err := r.Decode(gatt.UUID16(0x2AA1), []byte{0x01, 0x00, 0xFF, 0xFF, 0x10, 0x00})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m := v.(map[string]float64)
	if m["x"] != 1 || m["y"] != -1 || m["z"] != 16 {
		t.Errorf("vector = %v", m)
	}
}

func TestEddystoneURLDecode(t *testing.T) {
	// scheme 0x02 = "http://", literal "example", expansion 0x07 = ".com"
	body := append([]byte{0x02}, []byte("example")...)
	body = append(body, 0x07)
	url, err := EddystoneDecodeURL(body)
	if err != nil {
		t.Fatalf("EddystoneDecodeURL: %v", err)
	}
	if url != "http://example.com" {
		t.Errorf("url = %q, want http://example.com", url)
	}
}

func TestEddystoneFrameFieldsURL(t *testing.T) {
	body := append([]byte{0xEB, 0x03}, []byte("x")...) // txpower -21, https://, "x"
	out := EddystoneFrameFields(EddystoneURL, body)
	if out["txpower"] != -21 {
		t.Errorf("txpower = %v", out["txpower"])
	}
	if out["url"] != "https://x" {
		t.Errorf("url = %v", out["url"])
	}
}

func TestEddystoneFrameFieldsUnknown(t *testing.T) {
	out := EddystoneFrameFields(0x40, []byte{0xAB, 0xCD})
	if out["frame"] != "abcd" {
		t.Errorf("frame = %v, want hex passthrough", out["frame"])
	}
}
