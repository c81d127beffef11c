package jsonvalue

import "fmt"

// Merge folds the members of src into dst, both of which must be objects.
//
// For every member of src:
//   - a key missing from dst is added;
//   - two objects are merged recursively;
//   - two arrays are concatenated, dst items first;
//   - anything else replaces the dst member, null included.
//
// src is consumed: its nodes may become part of dst and must not be reused.
func Merge(dst, src *Value) error {
	if !dst.IsObject() {
		return fmt.Errorf("merge target is %s, want object", dst.Kind())
	}
	if !src.IsObject() {
		return fmt.Errorf("merge source is %s, want object", src.Kind())
	}
	mergeObject(dst, src)
	return nil
}

func mergeObject(dst, src *Value) {
	for _, key := range src.keys {
		incoming := src.fields[key]
		existing, ok := dst.fields[key]
		switch {
		case !ok:
			dst.Set(key, incoming)
		case existing.IsObject() && incoming.IsObject():
			mergeObject(existing, incoming)
		case existing.IsArray() && incoming.IsArray():
			existing.items = append(existing.items, incoming.items...)
		default:
			dst.Set(key, incoming)
		}
	}
}
