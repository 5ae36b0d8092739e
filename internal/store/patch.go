package store

import (
	"fmt"
	"reflect"
	"sort"
)

// Patch maps column names to new values. Values may be plain values, Inc or Append.
type Patch map[string]interface{}

// Inc atomically adds to an integer column.
type Inc int

// Append atomically appends to a text array column.
type Append string

// Validate rejects patches carrying nil values: optional fields must be
// normalized to an explicit empty representation before they reach the store.
func (p Patch) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("store: empty patch")
	}
	for _, k := range p.Keys() {
		if isUnset(p[k]) {
			return fmt.Errorf("%w: field %q", ErrUnsetValue, k)
		}
	}
	return nil
}

// Keys returns the patch columns in sorted order.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isUnset(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
