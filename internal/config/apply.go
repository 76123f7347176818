package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// UpdateError lists the keys that could not be applied. Keys not listed were
// applied.
type UpdateError struct {
	Keys map[string]error
}

func (e *UpdateError) Error() string {
	keys := make([]string, 0, len(e.Keys))
	for k := range e.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Keys[k]))
	}
	return "config: rejected " + strings.Join(parts, "; ")
}

// stateKeys are persisted fields that only the orchestrator may write.
// isMoving is deliberately absent: it is accepted as an initial hint.
var stateKeys = map[string]bool{
	"enabled":          true,
	"schedulerEnabled": true,
	"trackingMode":     true,
	"odometer":         true,
}

var (
	fieldIndexOnce sync.Once
	fieldIndex     map[string][]int
)

// fields maps json key to the field index path, flattening embedded structs
// the same way encoding/json does.
func fields() map[string][]int {
	fieldIndexOnce.Do(func() {
		fieldIndex = make(map[string][]int)
		var walk func(t reflect.Type, prefix []int)
		walk = func(t reflect.Type, prefix []int) {
			for i := 0; i < t.NumField(); i++ {
				f := t.Field(i)
				idx := append(append([]int(nil), prefix...), i)
				if f.Anonymous && f.Type.Kind() == reflect.Struct {
					walk(f.Type, idx)
					continue
				}
				name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
				if name == "" || name == "-" {
					continue
				}
				fieldIndex[name] = idx
			}
		}
		walk(reflect.TypeOf(Config{}), nil)
	})
	return fieldIndex
}

func sortedValidatorKeys() []string {
	keys := make([]string, 0, len(validators))
	for k := range validators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Apply sets each recognised key on c. Unknown keys are ignored. A key whose
// value has the wrong type or fails validation is left unchanged and reported
// in the returned *UpdateError; all other keys still apply.
func (c *Config) Apply(changes map[string]any) error {
	return c.apply(changes, false)
}

func (c *Config) apply(changes map[string]any, allowState bool) error {
	idx := fields()
	failed := make(map[string]error)

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	root := reflect.ValueOf(c).Elem()
	for _, key := range keys {
		path, ok := idx[key]
		if !ok {
			continue
		}
		if stateKeys[key] && !allowState {
			failed[key] = fmt.Errorf("read-only state field")
			continue
		}

		field := root.FieldByIndex(path)
		raw, err := json.Marshal(changes[key])
		if err != nil {
			failed[key] = err
			continue
		}
		next := reflect.New(field.Type())
		if err := json.Unmarshal(raw, next.Interface()); err != nil {
			failed[key] = fmt.Errorf("type mismatch: %w", err)
			continue
		}

		prev := reflect.New(field.Type()).Elem()
		prev.Set(field)
		field.Set(next.Elem())
		if validate, ok := validators[key]; ok {
			if err := validate(c); err != nil {
				field.Set(prev)
				failed[key] = err
			}
		}
	}

	if len(failed) > 0 {
		return &UpdateError{Keys: failed}
	}
	return nil
}

// ChangedKeys returns the json keys whose values differ between a and b.
func ChangedKeys(a, b *Config) []string {
	av := reflect.ValueOf(a).Elem()
	bv := reflect.ValueOf(b).Elem()
	var out []string
	for key, path := range fields() {
		if !reflect.DeepEqual(av.FieldByIndex(path).Interface(), bv.FieldByIndex(path).Interface()) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
