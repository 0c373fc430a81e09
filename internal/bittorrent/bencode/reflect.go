package bencode

import (
	"fmt"
	"reflect"
	"strings"
)

// ToValue converts a Go struct/slice/map/scalar into the Value tree Encode
// understands, applying the same bencode struct-tag rules Marshal does.
// It lets callers assemble a larger Dict by hand around a reflected field
// (krpc.Msg does this for its polymorphic "a"/"r"/"e" keys) instead of
// round-tripping through Marshal's own top-level Encode.
func ToValue(v interface{}) (Value, error) {
	return toValue(reflect.ValueOf(v))
}

// FromValue assigns a decoded Value into the struct/slice/map/scalar
// pointed to by v, the mirror image of ToValue.
func FromValue(dv Value, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr {
		return fmt.Errorf("bencode: FromValue requires a pointer, got %s", rv.Kind())
	}
	return fromValue(dv, rv.Elem())
}

type tagInfo struct {
	name        string
	omitempty   bool
	ignore      bool
}

func parseTag(f reflect.StructField) tagInfo {
	tag := f.Tag.Get("bencode")
	if tag == "-" {
		return tagInfo{ignore: true}
	}
	parts := strings.Split(tag, ",")
	ti := tagInfo{name: f.Name}
	if parts[0] != "" {
		ti.name = parts[0]
	}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			ti.omitempty = true
		}
	}
	return ti
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.Slice, reflect.Map, reflect.Array:
		return v.Len() == 0
	case reflect.String:
		return v.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Bool:
		return !v.Bool()
	}
	return false
}

// toValue converts a reflect.Value rooted at a Go struct/slice/map/scalar
// into the Value tree Encode understands.
func toValue(rv reflect.Value) (Value, error) {
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("bencode: cannot encode nil %s", rv.Type())
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Bool:
		if rv.Bool() {
			return int64(1), nil
		}
		return int64(0), nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return string(b), nil
		}
		out := make(List, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ev, err := toValue(rv.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		return out, nil
	case reflect.Map:
		out := Dict{}
		iter := rv.MapRange()
		for iter.Next() {
			ev, err := toValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(iter.Key().Interface())] = ev
		}
		return out, nil
	case reflect.Struct:
		out := Dict{}
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue // unexported
			}
			ti := parseTag(f)
			if ti.ignore {
				continue
			}
			fv := rv.Field(i)
			if ti.omitempty && isEmptyValue(fv) {
				continue
			}
			if (fv.Kind() == reflect.Ptr || fv.Kind() == reflect.Interface) && fv.IsNil() {
				if ti.omitempty {
					continue
				}
			}
			ev, err := toValue(fv)
			if err != nil {
				return nil, fmt.Errorf("bencode: field %s: %w", f.Name, err)
			}
			out[ti.name] = ev
		}
		return out, nil
	default:
		return nil, fmt.Errorf("bencode: cannot encode kind %s", rv.Kind())
	}
}

// fromValue assigns a decoded Value into rv, following the same tag
// convention toValue uses in reverse.
func fromValue(dv Value, rv reflect.Value) error {
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Ptr:
		if dv == nil {
			return nil
		}
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		return fromValue(dv, rv.Elem())
	case reflect.String:
		s, ok := dv.(string)
		if !ok {
			return fmt.Errorf("bencode: expected string, got %T", dv)
		}
		rv.SetString(s)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := dv.(int64)
		if !ok {
			return fmt.Errorf("bencode: expected integer, got %T", dv)
		}
		rv.SetInt(n)
		return nil
	case reflect.Bool:
		n, ok := dv.(int64)
		if !ok {
			return fmt.Errorf("bencode: expected integer for bool, got %T", dv)
		}
		rv.SetBool(n != 0)
		return nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			s, ok := dv.(string)
			if !ok {
				return fmt.Errorf("bencode: expected string for byte slice, got %T", dv)
			}
			rv.SetBytes([]byte(s))
			return nil
		}
		lst, ok := dv.(List)
		if !ok {
			return fmt.Errorf("bencode: expected list, got %T", dv)
		}
		out := reflect.MakeSlice(rv.Type(), len(lst), len(lst))
		for i, ev := range lst {
			if err := fromValue(ev, out.Index(i)); err != nil {
				return err
			}
		}
		rv.Set(out)
		return nil
	case reflect.Array:
		s, ok := dv.(string)
		if !ok {
			return fmt.Errorf("bencode: expected string for byte array, got %T", dv)
		}
		if len(s) != rv.Len() {
			return fmt.Errorf("bencode: byte array length mismatch: want %d got %d", rv.Len(), len(s))
		}
		reflect.Copy(rv, reflect.ValueOf([]byte(s)))
		return nil
	case reflect.Interface:
		rv.Set(reflect.ValueOf(dv))
		return nil
	case reflect.Struct:
		dict, ok := dv.(Dict)
		if !ok {
			return fmt.Errorf("bencode: expected dict, got %T", dv)
		}
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			ti := parseTag(f)
			if ti.ignore {
				continue
			}
			ev, present := dict[ti.name]
			if !present {
				continue
			}
			if err := fromValue(ev, rv.Field(i)); err != nil {
				return fmt.Errorf("bencode: field %s: %w", f.Name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("bencode: cannot decode into kind %s", rv.Kind())
	}
}
