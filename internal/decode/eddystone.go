package decode

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Eddystone frame types, from the Eddystone protocol specification.
const (
	EddystoneUID byte = 0x00
	EddystoneURL byte = 0x10
	EddystoneTLM byte = 0x20
	EddystoneEID byte = 0x30
)

// eddystoneSchemes maps the URL frame's scheme-prefix byte.
var eddystoneSchemes = []string{
	"http://www.",
	"https://www.",
	"http://",
	"https://",
}

// eddystoneExpansions maps encoded bytes 0x00-0x0d inside a URL frame body.
var eddystoneExpansions = []string{
	".com/", ".org/", ".edu/", ".net/", ".info/", ".biz/", ".gov/",
	".com", ".org", ".edu", ".net", ".info", ".biz", ".gov",
}

// EddystoneDecodeURL expands an Eddystone-URL frame body (after the tx-power
// byte) into the full URL.
func EddystoneDecodeURL(body []byte) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("decode: empty eddystone url body")
	}
	scheme := int(body[0])
	if scheme >= len(eddystoneSchemes) {
		return "", fmt.Errorf("decode: invalid eddystone url scheme %#x", body[0])
	}
	url := eddystoneSchemes[scheme]
	for _, b := range body[1:] {
		if int(b) < len(eddystoneExpansions) {
			url += eddystoneExpansions[b]
		} else if b >= 0x20 && b < 0x7f {
			url += string(rune(b))
		}
		// other bytes are reserved; skipped.
	}
	return url, nil
}

// EddystoneFrameFields decodes an Eddystone frame (type byte + body) into the
// key/value fields the gateway publishes on the "eddystone" sub-topic:
// URL frames carry txpower+url, UID frames txpower+beacon_id, TLM frames
// battery/temperature/counters, anything else the raw frame hex.
func EddystoneFrameFields(frameType byte, body []byte) map[string]interface{} {
	out := map[string]interface{}{"frame_type": int(frameType)}
	switch frameType {
	case EddystoneURL:
		if len(body) >= 2 {
			out["txpower"] = int(int8(body[0]))
			if url, err := EddystoneDecodeURL(body[1:]); err == nil {
				out["url"] = url
			}
		}
	case EddystoneUID:
		if len(body) >= 1 {
			out["txpower"] = int(int8(body[0]))
			out["beacon_id"] = hex.EncodeToString(body[1:])
		}
	case EddystoneTLM:
		// TLM v0: version, vbatt (mV, BE), temperature (8.8 fixed point),
		// adv count, uptime (0.1s), all big-endian.
		if len(body) >= 13 && body[0] == 0x00 {
			out["vbatt_mv"] = int(binary.BigEndian.Uint16(body[1:3]))
			out["temperature"] = float64(int16(binary.BigEndian.Uint16(body[3:5]))) / 256.0
			out["adv_count"] = int64(binary.BigEndian.Uint32(body[5:9]))
			out["uptime_ds"] = int64(binary.BigEndian.Uint32(body[9:13]))
		} else {
			out["frame"] = hex.EncodeToString(body)
		}
	default:
		out["frame"] = hex.EncodeToString(body)
	}
	return out
}
