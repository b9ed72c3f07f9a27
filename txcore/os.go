package txcore

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotPointer is returned by SetConfigFromEnvVars for a non-pointer target.
	ErrNotPointer = errors.New("config target must be a non-nil pointer to a struct")
	// ErrUnsupportedField is returned for an env-tagged field of an unsupported kind.
	ErrUnsupportedField = errors.New("unsupported config field type")
)

var durationType = reflect.TypeOf(time.Duration(0))

// GetenvOrDefault returns the trimmed value of key, or def when unset or blank.
func GetenvOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}

	return def
}

// GetenvBoolOrDefault parses key as a bool, returning def when unset or invalid.
func GetenvBoolOrDefault(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}

	return v
}

// GetenvIntOrDefault parses key as an int64, returning def when unset or invalid.
func GetenvIntOrDefault(key string, def int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64)
	if err != nil {
		return def
	}

	return v
}

// GetenvDurationOrDefault parses key with time.ParseDuration.
func GetenvDurationOrDefault(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}

	return v
}

// SetConfigFromEnvVars fills every `env:"NAME"` tagged field of the struct
// pointed to by s. Unset variables leave the field untouched, so defaults
// assigned beforehand survive. Nested structs are walked.
func SetConfigFromEnvVars(s any) error {
	rv := reflect.ValueOf(s)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return ErrNotPointer
	}

	return setStruct(rv.Elem())
}

func setStruct(v reflect.Value) error {
	t := v.Type()

	for i := range t.NumField() {
		field := t.Field(i)
		fv := v.Field(i)

		if !field.IsExported() {
			continue
		}

		name, ok := field.Tag.Lookup("env")
		if !ok {
			if fv.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
				if err := setStruct(fv); err != nil {
					return err
				}
			}

			continue
		}

		raw, present := os.LookupEnv(name)
		raw = strings.TrimSpace(raw)

		if !present || raw == "" {
			continue
		}

		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
	}

	return nil
}

func setField(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}

		fv.SetInt(int64(d))

		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}

		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}

		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, fv.Type().Bits())
		if err != nil {
			return err
		}

		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return ErrUnsupportedField
		}

		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))

		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}

		fv.Set(reflect.ValueOf(out))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedField, fv.Kind())
	}

	return nil
}
