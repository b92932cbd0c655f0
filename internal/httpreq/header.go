package httpreq

import "strings"

// Header is a string-to-string header map that remembers the position
// where each key was first set. Setting an existing key overwrites its
// value in place.
type Header struct {
	keys   []string
	values map[string]string
}

// Set stores value under key.
func (h *Header) Set(key, value string) {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

// Get returns the value stored under exactly key.
func (h *Header) Get(key string) (string, bool) {
	v, ok := h.values[key]
	return v, ok
}

// GetFold returns the value of the first key equal to key under case folding.
func (h *Header) GetFold(key string) (string, bool) {
	if v, ok := h.values[key]; ok {
		return v, true
	}
	for _, k := range h.keys {
		if strings.EqualFold(k, key) {
			return h.values[k], true
		}
	}
	return "", false
}

// Del removes key.
func (h *Header) Del(key string) {
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, k := range h.keys {
		if k == key {
			h.keys = append(h.keys[:i:i], h.keys[i+1:]...)
			break
		}
	}
}

// DelFold removes every key equal to key under case folding.
func (h *Header) DelFold(key string) {
	for _, k := range h.Keys() {
		if strings.EqualFold(k, key) {
			h.Del(k)
		}
	}
}

// Keys returns the keys in first-set order.
func (h *Header) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Len returns the number of keys.
func (h *Header) Len() int {
	return len(h.keys)
}

// Map returns a copy of the header as a plain map.
func (h *Header) Map() map[string]string {
	out := make(map[string]string, len(h.values))
	for k, v := range h.values {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy.
func (h *Header) Clone() Header {
	out := Header{}
	for _, k := range h.keys {
		out.Set(k, h.values[k])
	}
	return out
}
