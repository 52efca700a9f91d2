package env

import (
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Environment is the mutable state container shared by the conditions of a
// single test module.
type Environment struct {
	objects map[string]any
	aliases map[string][]string
}

// New creates an empty Environment.
func New() *Environment {
	return &Environment{
		objects: make(map[string]any),
		aliases: make(map[string][]string),
	}
}

// SplitRef splits a "key.path.to.value" reference into its top-level key and
// the remaining dotted path. A bare key yields an empty path.
func SplitRef(ref string) (key, path string) {
	key, path, _ = strings.Cut(ref, ".")
	return key, path
}

// ContainsObject reports whether key (after alias resolution) holds an object.
func (e *Environment) ContainsObject(key string) bool {
	_, ok := e.objects[e.ResolveKey(key)].(map[string]any)
	return ok
}

// Contains reports whether key holds any value, object or scalar.
func (e *Environment) Contains(key string) bool {
	_, ok := e.objects[e.ResolveKey(key)]
	return ok
}

// GetObject returns a deep copy of the object stored under key.
func (e *Environment) GetObject(key string) (map[string]any, bool) {
	obj, ok := e.objects[e.ResolveKey(key)].(map[string]any)
	if !ok {
		return nil, false
	}
	return deepCopyMap(obj), true
}

// PutObject stores a deep copy of obj under key, replacing any prior value.
func (e *Environment) PutObject(key string, obj map[string]any) {
	if obj == nil {
		obj = map[string]any{}
	}
	e.objects[e.ResolveKey(key)] = deepCopyMap(obj)
}

// RemoveObject deletes key. Removing an absent key is a no-op.
func (e *Environment) RemoveObject(key string) {
	delete(e.objects, e.ResolveKey(key))
}

// Get returns a deep copy of the element at path inside key. An empty path
// addresses the top-level value itself.
func (e *Environment) Get(key, path string) (any, bool) {
	v, ok := e.lookup(key, path)
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// GetString returns the element at path as a string. Numbers and booleans are
// rendered in their JSON form; objects, arrays and null are absent.
func (e *Environment) GetString(key, path string) (string, bool) {
	v, ok := e.lookup(key, path)
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case json.Number:
		return val.String(), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	default:
		return "", false
	}
}

// GetNumber returns the element at path as a float64.
func (e *Environment) GetNumber(key, path string) (float64, bool) {
	v, ok := e.lookup(key, path)
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// GetBool returns the element at path as a bool.
func (e *Environment) GetBool(key, path string) (bool, bool) {
	v, ok := e.lookup(key, path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// PutString stores value at path inside key; an empty path stores a
// top-level string.
func (e *Environment) PutString(key, path, value string) {
	e.Put(key, path, value)
}

// PutNumber stores a number at path inside key.
func (e *Environment) PutNumber(key, path string, value float64) {
	e.Put(key, path, value)
}

// PutBool stores a boolean at path inside key.
func (e *Environment) PutBool(key, path string, value bool) {
	e.Put(key, path, value)
}

// Put stores a deep copy of v at path inside key, creating intermediate
// objects as needed. Intermediate scalars on the path are replaced.
func (e *Environment) Put(key, path string, v any) {
	real := e.ResolveKey(key)
	v = deepCopy(v)
	if path == "" {
		e.objects[real] = v
		return
	}
	root, _ := e.objects[real].(map[string]any)
	e.objects[real] = setPath(root, strings.Split(path, "."), v)
}

// RemoveElement deletes the element at path inside key.
func (e *Environment) RemoveElement(key, path string) {
	if path == "" {
		e.RemoveObject(key)
		return
	}
	real := e.ResolveKey(key)
	root, ok := e.objects[real].(map[string]any)
	if !ok {
		return
	}
	if updated, changed := removePath(root, strings.Split(path, ".")); changed {
		e.objects[real] = updated
	}
}

// Keys returns every real top-level key, sorted.
func (e *Environment) Keys() []string {
	keys := slices.Collect(maps.Keys(e.objects))
	slices.Sort(keys)
	return keys
}

// Export returns a deep copy of every top-level value keyed by real key.
func (e *Environment) Export() map[string]any {
	out := make(map[string]any, len(e.objects))
	for k, v := range e.objects {
		out[k] = deepCopy(v)
	}
	return out
}

// Snapshot captures the current contents and alias table.
type Snapshot struct {
	objects map[string]any
	aliases map[string][]string
}

// Snapshot records the Environment so that Restore can roll back to it.
func (e *Environment) Snapshot() Snapshot {
	return Snapshot{
		objects: maps.Clone(e.objects),
		aliases: cloneAliases(e.aliases),
	}
}

// Restore rolls the Environment back to s.
func (e *Environment) Restore(s Snapshot) {
	e.objects = maps.Clone(s.objects)
	if e.objects == nil {
		e.objects = make(map[string]any)
	}
	e.aliases = cloneAliases(s.aliases)
}

func (e *Environment) lookup(key, path string) (any, bool) {
	v, ok := e.objects[e.ResolveKey(key)]
	if !ok {
		return nil, false
	}
	if path == "" {
		return v, v != nil
	}
	for _, seg := range strings.Split(path, ".") {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return v, v != nil
}

// setPath returns a copy of root with v written at segs. Only the maps along
// the path are copied; siblings are shared.
func setPath(root map[string]any, segs []string, v any) map[string]any {
	next := make(map[string]any, len(root)+1)
	maps.Copy(next, root)
	if len(segs) == 1 {
		next[segs[0]] = v
		return next
	}
	child, _ := next[segs[0]].(map[string]any)
	next[segs[0]] = setPath(child, segs[1:], v)
	return next
}

func removePath(root map[string]any, segs []string) (map[string]any, bool) {
	if len(segs) == 1 {
		if _, ok := root[segs[0]]; !ok {
			return root, false
		}
		next := maps.Clone(root)
		delete(next, segs[0])
		return next, true
	}
	child, ok := root[segs[0]].(map[string]any)
	if !ok {
		return root, false
	}
	updated, changed := removePath(child, segs[1:])
	if !changed {
		return root, false
	}
	next := maps.Clone(root)
	next[segs[0]] = updated
	return next, true
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = deepCopy(elem)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	default:
		return val
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}
