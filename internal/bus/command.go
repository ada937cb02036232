package bus

import (
	"encoding/json"
	"fmt"
)

// Scan command values.
const (
	ScanStart    = "start"
	ScanStop     = "stop"
	ScanTimeScan = "time_scan"
)

// Result / advertisement reporting modes.
const (
	ReportNone    = "none"
	ReportSummary = "summary"
	ReportDevices = "devices"
	ReportMin     = "min"
	ReportFull    = "full"
)

// ScanCommand is a decoded scan/{gw_id} payload, with defaults applied
// (timeout 10 s, result "summary", advertisement "min").
type ScanCommand struct {
	Command       string
	Timeout       float64
	Period        float64
	Result        string
	Advertisement string
	SubTopics     bool
	AdvInterval   float64
}

var scanFields = map[string]Field{
	"command":       {Kind: KindString, Enum: []string{ScanStart, ScanStop, ScanTimeScan}},
	"timeout":       {Kind: KindNumber},
	"period":        {Kind: KindNumber},
	"result":        {Kind: KindString, Enum: []string{ReportNone, ReportSummary, ReportDevices}},
	"advertisement": {Kind: KindString, Enum: []string{ReportNone, ReportMin, ReportFull}},
	"sub_topics":    {Kind: KindBool},
	"adv_interval":  {Kind: KindNumber},
}

// ParseScanCommand decodes and validates a scan command payload.
func ParseScanCommand(b []byte) (ScanCommand, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return ScanCommand{}, fmt.Errorf("bus: bad scan request: %w", err)
	}
	if err := Validate(raw, scanFields, []string{"command"}); err != nil {
		return ScanCommand{}, err
	}

	cmd := ScanCommand{
		Command:       raw["command"].(string),
		Timeout:       10.0,
		Result:        ReportSummary,
		Advertisement: ReportMin,
	}
	if v, ok := raw["timeout"].(float64); ok {
		cmd.Timeout = v
	}
	if v, ok := raw["period"].(float64); ok {
		cmd.Period = v
	}
	if v, ok := raw["result"].(string); ok {
		cmd.Result = v
	}
	if v, ok := raw["advertisement"].(string); ok {
		cmd.Advertisement = v
	}
	if v, ok := raw["sub_topics"].(bool); ok {
		cmd.SubTopics = v
	}
	if v, ok := raw["adv_interval"].(float64); ok {
		cmd.AdvInterval = v
	}
	return cmd, nil
}

// Filter spec type values.
const (
	FilterRSSI        = "rssi"
	FilterWhiteList   = "white_list"
	FilterConnectable = "connectable"
	FilterStartsWith  = "starts_with"
	FilterMfgIDEq     = "mfg_id_eq"
	FilterNone        = "none"
)

// FilterSpec is one entry of a filter/{gw_id} payload.
type FilterSpec struct {
	Type            string
	MinRSSI         int
	Addresses       []string
	ConnectableFlag bool
	MatchString     string
	MfgID           uint16
}

var filterFields = map[string]Field{
	"type":             {Kind: KindString, Enum: []string{FilterRSSI, FilterWhiteList, FilterConnectable, FilterStartsWith, FilterMfgIDEq, FilterNone}},
	"min_rssi":         {Kind: KindInt},
	"match_string":     {Kind: KindString},
	"addresses":        {Kind: KindList},
	"connectable_flag": {Kind: KindBool},
	"mfg_id":           {Kind: KindInt},
}

// requiredFilterArg names the parameter each filter type cannot do without.
var requiredFilterArg = map[string]string{
	FilterRSSI:        "min_rssi",
	FilterWhiteList:   "addresses",
	FilterConnectable: "connectable_flag",
	FilterStartsWith:  "match_string",
	FilterMfgIDEq:     "mfg_id",
}

// ParseFilterCommand decodes and validates a filter reconfiguration payload:
// a JSON array of filter specs. A spec of type "none" terminates the list.
func ParseFilterCommand(b []byte) ([]FilterSpec, error) {
	var raw []map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("bus: bad filter request (must be a list): %w", err)
	}

	var specs []FilterSpec
	for _, item := range raw {
		if err := Validate(item, filterFields, []string{"type"}); err != nil {
			return nil, err
		}
		ft := item["type"].(string)
		if ft == FilterNone {
			break
		}
		req := requiredFilterArg[ft]
		if _, ok := item[req]; !ok {
			return nil, fmt.Errorf("bus: filter %q missing parameter %q", ft, req)
		}

		spec := FilterSpec{Type: ft}
		switch ft {
		case FilterRSSI:
			spec.MinRSSI = int(item["min_rssi"].(float64))
		case FilterWhiteList:
			for _, a := range item["addresses"].([]interface{}) {
				s, ok := a.(string)
				if !ok {
					return nil, fmt.Errorf("bus: white_list addresses must be strings")
				}
				spec.Addresses = append(spec.Addresses, s)
			}
		case FilterConnectable:
			spec.ConnectableFlag = item["connectable_flag"].(bool)
		case FilterStartsWith:
			spec.MatchString = item["match_string"].(string)
		case FilterMfgIDEq:
			spec.MfgID = uint16(item["mfg_id"].(float64))
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// GATT command values.
const (
	GattRead               = "read"
	GattWrite              = "write"
	GattDiscover           = "discover"
	GattAllowNotifications = "allow_notifications"
)

// GattAction is one (characteristic, type, value) entry of a GATT command,
// built from either the top-level fields or an action_set element.
type GattAction struct {
	Characteristic string
	Type           int
	Value          interface{}
	HasValue       bool
}

// GattCommand is a decoded gatt/{gw_id}/{mac} payload.
type GattCommand struct {
	Command    string
	TransacID  *int64
	Keep       float64
	Service    *string
	Properties bool
	Actions    []GattAction
}

var gattFields = map[string]Field{
	"command":        {Kind: KindString, Enum: []string{GattRead, GattWrite, GattDiscover, GattAllowNotifications}},
	"transac_id":     {Kind: KindInt},
	"bond":           {Kind: KindBool},
	"keep":           {Kind: KindNumber},
	"characteristic": {Kind: KindString},
	"service":        {Kind: KindString},
	"properties":     {Kind: KindBool},
	"type":           {Kind: KindInt},
	"action_set":     {Kind: KindList},
	// "value" is absent on purpose: it may be a number or a string, so
	// ParseGattCommand checks it before the strict field pass.
}

// ParseGattCommand decodes and validates a GATT command payload.
func ParseGattCommand(b []byte) (GattCommand, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return GattCommand{}, fmt.Errorf("bus: bad gatt request: %w", err)
	}

	// "value" accepts numbers and strings; pull it aside before the strict
	// field check.
	value, hasValue := raw["value"]
	if hasValue {
		switch value.(type) {
		case float64, string:
		default:
			return GattCommand{}, fmt.Errorf("bus: parameter \"value\" must be a number or string")
		}
		delete(raw, "value")
	}

	if err := Validate(raw, gattFields, []string{"command"}); err != nil {
		return GattCommand{}, err
	}

	cmd := GattCommand{Command: raw["command"].(string)}
	if v, ok := raw["transac_id"].(float64); ok {
		id := int64(v)
		cmd.TransacID = &id
	}
	if v, ok := raw["keep"].(float64); ok {
		cmd.Keep = v
	}
	if v, ok := raw["service"].(string); ok {
		cmd.Service = &v
	}
	if v, ok := raw["properties"].(bool); ok {
		cmd.Properties = v
	}

	if set, ok := raw["action_set"].([]interface{}); ok {
		for _, item := range set {
			obj, ok := item.(map[string]interface{})
			if !ok {
				return GattCommand{}, fmt.Errorf("bus: action_set entries must be objects")
			}
			if a, ok := buildGattAction(obj); ok {
				cmd.Actions = append(cmd.Actions, a)
			}
		}
	} else {
		// single action carried in the top-level fields.
		single := map[string]interface{}{}
		for _, k := range []string{"characteristic", "type"} {
			if v, ok := raw[k]; ok {
				single[k] = v
			}
		}
		if hasValue {
			single["value"] = value
		}
		if a, ok := buildGattAction(single); ok {
			cmd.Actions = append(cmd.Actions, a)
		}
	}
	return cmd, nil
}

// buildGattAction builds one action from a payload object: an entry without
// a characteristic is silently skipped; a missing type defaults to raw.
func buildGattAction(obj map[string]interface{}) (GattAction, bool) {
	c, ok := obj["characteristic"].(string)
	if !ok {
		return GattAction{}, false
	}
	a := GattAction{Characteristic: c}
	if t, ok := obj["type"].(float64); ok {
		a.Type = int(t)
	}
	if v, ok := obj["value"]; ok {
		a.Value = v
		a.HasValue = true
	}
	return a, true
}
