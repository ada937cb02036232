// Package ruuvi decodes Ruuvi Data Format 3 manufacturer-data frames, as
// broadcast by RuuviTag sensor beacons; see
// https://github.com/ruuvi/ruuvi-sensor-protocols.
package ruuvi

import "fmt"

// ManufacturerID is Ruuvi Innovations' Bluetooth SIG company identifier.
const ManufacturerID = 0x0499

// DataFormat3 is a decoded Ruuvi Data Format 3 frame.
type DataFormat3 struct {
	Temperature float64 // degrees Celsius
	Humidity    float64 // relative humidity, percent
	Pressure    float64 // pascals
	AccelX      int16   // milli-g
	AccelY      int16
	AccelZ      int16
	BatteryMV   int     // millivolts
}

// Decode parses a Data Format 3 payload (the manufacturer-data bytes after
// the 2-byte manufacturer ID, starting with the 0x03 format byte).
func Decode(data []byte) (*DataFormat3, error) {
	if len(data) < 14 {
		return nil, fmt.Errorf("ruuvi: frame too short: %d bytes", len(data))
	}
	if data[0] != 0x03 {
		return nil, fmt.Errorf("ruuvi: unsupported data format %#x", data[0])
	}

	humidity := float64(data[1]) * 0.5

	temp := float64(data[2]&0x7F) + float64(data[3])/100.0
	if data[2]&0x80 != 0 {
		temp = -temp
	}

	pressure := float64(int(data[4])<<8|int(data[5])) + 50000

	accelX := twosComplement16(data[6], data[7])
	accelY := twosComplement16(data[8], data[9])
	accelZ := twosComplement16(data[10], data[11])

	batteryMV := int(data[12])<<8 | int(data[13])

	return &DataFormat3{
		Temperature: temp,
		Humidity:    humidity,
		Pressure:    pressure,
		AccelX:      accelX,
		AccelY:      accelY,
		AccelZ:      accelZ,
		BatteryMV:   batteryMV,
	}, nil
}

func twosComplement16(hi, lo byte) int16 {
	return int16(uint16(hi)<<8 | uint16(lo))
}
