package cfgx

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// setValue parses raw into field according to its type. Every source goes
// through it.
func setValue(field ConfigField, raw string) error {
	if field.Value.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("cannot parse duration %s: %w", field.Path, err)
		}
		field.Value.SetInt(int64(d))
		return nil
	}

	switch field.Kind {
	case reflect.String:
		field.Value.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Value.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Value.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Value.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetBool(b)
	default:
		return fmt.Errorf("cannot set %s: unimplemented kind %s", field.Path, field.Kind)
	}
	return nil
}
