package bus

import (
	"fmt"
)

// FieldKind is the JSON type a command field must carry.
type FieldKind int

const (
	KindString FieldKind = iota
	KindNumber
	KindInt // a number with no fractional part
	KindBool
	KindList
)

// Field describes one permitted command parameter: its JSON type and, for
// strings, an optional closed set of accepted values.
type Field struct {
	Kind FieldKind
	Enum []string
}

// Validate checks a decoded JSON object against the permitted field table
// and the mandatory-field list: a parameter not in the table, of the wrong
// type, or outside its enumerated value set rejects the whole command.
func Validate(payload map[string]interface{}, fields map[string]Field, mandatory []string) error {
	for name, v := range payload {
		f, ok := fields[name]
		if !ok {
			return fmt.Errorf("bus: unknown parameter %q", name)
		}
		if err := checkKind(name, v, f); err != nil {
			return err
		}
	}
	for _, name := range mandatory {
		if _, ok := payload[name]; !ok {
			return fmt.Errorf("bus: missing mandatory parameter %q", name)
		}
	}
	return nil
}

func checkKind(name string, v interface{}, f Field) error {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("bus: parameter %q must be a string", name)
		}
		if len(f.Enum) > 0 {
			for _, e := range f.Enum {
				if s == e {
					return nil
				}
			}
			return fmt.Errorf("bus: parameter %q has invalid value %q", name, s)
		}
	case KindNumber:
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("bus: parameter %q must be a number", name)
		}
	case KindInt:
		n, ok := v.(float64)
		if !ok || n != float64(int64(n)) {
			return fmt.Errorf("bus: parameter %q must be an integer", name)
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("bus: parameter %q must be a boolean", name)
		}
	case KindList:
		if _, ok := v.([]interface{}); !ok {
			return fmt.Errorf("bus: parameter %q must be a list", name)
		}
	}
	return nil
}
