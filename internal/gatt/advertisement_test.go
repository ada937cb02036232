package gatt

import "testing"

func TestParseAdvertisementEddystone(t *testing.T) {
	// 02 01 06 03 03 AA FE -- flags, then complete 16-bit UUID list containing
	// the Eddystone service UUID.
	b := []byte{0x02, 0x01, 0x06, 0x03, 0x03, 0xAA, 0xFE}
	a, err := ParseAdvertisement(b)
	if err != nil {
		t.Fatalf("ParseAdvertisement: %v", err)
	}
	if a.Flags != 0x06 {
		t.Errorf("Flags = %#x, want 0x06", a.Flags)
	}
	if a.Kind != KindEddystone {
		t.Errorf("Kind = %v, want KindEddystone", a.Kind)
	}
}

func TestParseAdvertisementIBeacon(t *testing.T) {
	uuid := []byte{
		0xE2, 0x0A, 0x39, 0xF4, 0x73, 0xF5, 0x4B, 0xC4,
		0xA1, 0x2F, 0x17, 0xD1, 0xAD, 0x07, 0xA9, 0x61,
	}
	payload := append([]byte{0x02, 0x15}, uuid...)
	payload = append(payload, 0x00, 0x01, 0x00, 0x02, 0xC5) // major=1 minor=2 power=-59
	field := append([]byte{0x4C, 0x00}, payload...)
	b := append([]byte{byte(len(field) + 1), typeManufacturerData}, field...)

	a, err := ParseAdvertisement(b)
	if err != nil {
		t.Fatalf("ParseAdvertisement: %v", err)
	}
	if a.Kind != KindIBeacon {
		t.Fatalf("Kind = %v, want KindIBeacon", a.Kind)
	}
	if a.IBeacon.Major != 1 || a.IBeacon.Minor != 2 {
		t.Errorf("major/minor = %d/%d, want 1/2", a.IBeacon.Major, a.IBeacon.Minor)
	}
	if a.IBeacon.MeasuredPower != -59 {
		t.Errorf("MeasuredPower = %d, want -59", a.IBeacon.MeasuredPower)
	}
	if want := "e20a39f4-73f5-4bc4-a12f-17d1ad07a961"; a.IBeacon.String() != want {
		t.Errorf("String = %q, want %q", a.IBeacon.String(), want)
	}
}

func TestParseAdvertisementServiceDataTemperature(t *testing.T) {
	// 05 16 6E 2A 34 12 -- length 5, Service Data (0x16), UUID 0x2A6E,
	// payload 34 12 (0x1234 little-endian).
	b := []byte{0x05, 0x16, 0x6E, 0x2A, 0x34, 0x12}
	a, err := ParseAdvertisement(b)
	if err != nil {
		t.Fatalf("ParseAdvertisement: %v", err)
	}
	if len(a.ServiceData) != 1 {
		t.Fatalf("ServiceData = %v, want 1 entry", a.ServiceData)
	}
	if got := a.ServiceData[0].UUID.String(); got != "2a6e" {
		t.Errorf("UUID = %q, want 2a6e", got)
	}
	if got := a.ServiceData[0].Data; len(got) != 2 || got[0] != 0x34 || got[1] != 0x12 {
		t.Errorf("Data = % x, want 34 12", got)
	}
}

func TestParseAdvertisementMalformed(t *testing.T) {
	if _, err := ParseAdvertisement([]byte{0x05, 0x09, 'h', 'i'}); err != ErrBadAdvertisement {
		t.Errorf("err = %v, want ErrBadAdvertisement", err)
	}
}
