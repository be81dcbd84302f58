package configmgr

import (
	"fmt"
	"reflect"
	"sort"
)

// diff walks two values of identical type in parallel and reports every
// leaf (non-struct, non-map, non-slice-of-struct) field whose value
// differs, dotted-path style ("LLMs.chat.Model", "Queue.Burst"). Map keys
// are sorted so output is deterministic across reloads.
func diff(prefix string, oldVal, newVal interface{}) []Change {
	return diffReflect(prefix, reflect.ValueOf(oldVal), reflect.ValueOf(newVal))
}

func diffReflect(prefix string, ov, nv reflect.Value) []Change {
	ov = derefValue(ov)
	nv = derefValue(nv)

	if !ov.IsValid() && !nv.IsValid() {
		return nil
	}
	// A struct present on one side only (an added or removed map entry) is
	// reported leaf by leaf, with nil on the missing side.
	if ov.IsValid() != nv.IsValid() && (ov.Kind() == reflect.Struct || nv.Kind() == reflect.Struct) {
		s := nv
		if ov.IsValid() {
			s = ov
		}
		var changes []Change
		for i := 0; i < s.NumField(); i++ {
			if f := s.Type().Field(i); f.PkgPath == "" {
				o, n := reflect.Value{}, s.Field(i)
				if ov.IsValid() {
					o, n = n, o
				}
				changes = append(changes, diffReflect(joinPath(prefix, f.Name), o, n)...)
			}
		}
		return changes
	}
	if !ov.IsValid() || !nv.IsValid() || ov.Type() != nv.Type() {
		return []Change{{Path: pathOrRoot(prefix), Old: interfaceOf(ov), New: interfaceOf(nv)}}
	}

	switch ov.Kind() {
	case reflect.Struct:
		var changes []Change
		t := ov.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" { // unexported
				continue
			}
			name := f.Name
			childPrefix := joinPath(prefix, name)
			changes = append(changes, diffReflect(childPrefix, ov.Field(i), nv.Field(i))...)
		}
		return changes

	case reflect.Map:
		var changes []Change
		keys := map[string]reflect.Value{}
		for _, k := range ov.MapKeys() {
			keys[fmt.Sprint(k.Interface())] = k
		}
		for _, k := range nv.MapKeys() {
			keys[fmt.Sprint(k.Interface())] = k
		}
		sortedKeys := make([]string, 0, len(keys))
		for k := range keys {
			sortedKeys = append(sortedKeys, k)
		}
		sort.Strings(sortedKeys)
		for _, ks := range sortedKeys {
			k := keys[ks]
			childPrefix := joinPath(prefix, ks)
			var ovItem, nvItem reflect.Value
			if ov.MapIndex(k).IsValid() {
				ovItem = ov.MapIndex(k)
			}
			if nv.MapIndex(k).IsValid() {
				nvItem = nv.MapIndex(k)
			}
			changes = append(changes, diffReflect(childPrefix, ovItem, nvItem)...)
		}
		return changes

	case reflect.Slice, reflect.Array:
		if ov.Len() != nv.Len() {
			return []Change{{Path: pathOrRoot(prefix), Old: interfaceOf(ov), New: interfaceOf(nv)}}
		}
		var changes []Change
		for i := 0; i < ov.Len(); i++ {
			childPrefix := fmt.Sprintf("%s[%d]", prefix, i)
			changes = append(changes, diffReflect(childPrefix, ov.Index(i), nv.Index(i))...)
		}
		return changes

	default:
		if !reflect.DeepEqual(interfaceOf(ov), interfaceOf(nv)) {
			return []Change{{Path: pathOrRoot(prefix), Old: interfaceOf(ov), New: interfaceOf(nv)}}
		}
		return nil
	}
}

func derefValue(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func interfaceOf(v reflect.Value) interface{} {
	if !v.IsValid() {
		return nil
	}
	return v.Interface()
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func pathOrRoot(prefix string) string {
	if prefix == "" {
		return "(root)"
	}
	return prefix
}
