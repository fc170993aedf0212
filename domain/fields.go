package domain

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// DecodeRow decodes a row into the struct pointed to by out, matching keys to
// json tags. Loosely typed values (numeric booleans, timestamp strings) are
// converted.
func DecodeRow(row Row, out any) error {
	return Merge(out, row)
}

// Merge shallow-merges fields into the struct pointed to by dst: present keys
// replace the existing value, a nil value clears it, absent keys are untouched.
func Merge(dst any, fields Row) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Squash:           true,
		Result:           dst,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToTimeHook,
			numberToTimeHook,
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(map[string]any(fields)); err != nil {
		return fmt.Errorf("failed to decode fields: %w", err)
	}
	clearNulls(dst, fields)
	return nil
}

// timestamp layouts produced by the supported backends
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func stringToTimeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	s := data.(string)
	if s == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("unrecognised timestamp %q: %w", s, lastErr)
}

// numberToTimeHook accepts unix milliseconds for timestamp fields.
func numberToTimeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	switch v := data.(type) {
	case int64:
		return time.UnixMilli(v), nil
	case float64:
		return time.UnixMilli(int64(v)), nil
	}
	return data, nil
}

func clearNulls(dst any, fields Row) {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return
	}
	v = v.Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		if val, ok := fields[name]; ok && val == nil && v.Field(i).CanSet() {
			v.Field(i).Set(reflect.Zero(t.Field(i).Type))
		}
	}
}
