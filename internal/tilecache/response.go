package tilecache

import (
	"bytes"
	"encoding/json"
	"net/textproto"
	"strconv"
	"time"
)

// Headers is an ordered multimap. Names keep the spelling of their first
// occurrence; lookups are case-insensitive.
type Headers struct {
	order  []string
	index  map[string]int
	values [][]string
}

func (h *Headers) slot(name string) (int, bool) {
	if h.index == nil {
		return 0, false
	}
	i, ok := h.index[textproto.CanonicalMIMEHeaderKey(name)]
	return i, ok
}

// Add appends value to the values of name.
func (h *Headers) Add(name, value string) {
	if i, ok := h.slot(name); ok {
		h.values[i] = append(h.values[i], value)
		return
	}
	if h.index == nil {
		h.index = make(map[string]int)
	}
	h.index[textproto.CanonicalMIMEHeaderKey(name)] = len(h.order)
	h.order = append(h.order, name)
	h.values = append(h.values, []string{value})
}

// Set replaces every value of name with value, keeping its position.
func (h *Headers) Set(name, value string) {
	if i, ok := h.slot(name); ok {
		h.values[i] = []string{value}
		return
	}
	h.Add(name, value)
}

// Get returns the first value of name.
func (h *Headers) Get(name string) string {
	if i, ok := h.slot(name); ok && len(h.values[i]) > 0 {
		return h.values[i][0]
	}
	return ""
}

// Has reports whether name is present.
func (h *Headers) Has(name string) bool {
	_, ok := h.slot(name)
	return ok
}

// Values returns a copy of the values of name in insertion order.
func (h *Headers) Values(name string) []string {
	i, ok := h.slot(name)
	if !ok {
		return nil
	}
	return append([]string(nil), h.values[i]...)
}

// Names lists header names in first-seen order.
func (h *Headers) Names() []string {
	return append([]string(nil), h.order...)
}

// Len is the number of distinct names.
func (h *Headers) Len() int { return len(h.order) }

// Map copies the headers into a plain map.
func (h *Headers) Map() map[string][]string {
	out := make(map[string][]string, len(h.order))
	for i, name := range h.order {
		out[name] = append([]string(nil), h.values[i]...)
	}
	return out
}

// Clone returns a deep copy.
func (h *Headers) Clone() Headers {
	var out Headers
	for i, name := range h.order {
		for _, v := range h.values[i] {
			out.Add(name, v)
		}
	}
	return out
}

// MarshalJSON encodes the headers as an object whose keys follow insertion
// order.
func (h Headers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range h.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		vals, err := json.Marshal(h.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(vals)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Response is the normalized envelope delivered to callers.
type Response struct {
	StatusCode int
	Header     Headers
	Body       []byte
	// LastModified is set only for cached, timestamped artifacts.
	LastModified *time.Time
}

// ContentType is shorthand for the first Content-Type value.
func (r *Response) ContentType() string {
	if r == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// normalize converts an engine response into the envelope, grouping repeated
// header names and keeping Content-Length consistent with the body.
func normalize(raw *RawResponse, log LogFunc) *Response {
	resp := &Response{StatusCode: raw.Code}
	for _, field := range raw.Headers {
		resp.Header.Add(field.Name, field.Value)
	}
	if raw.Data != nil {
		resp.Body = append([]byte(nil), raw.Data...)
	} else {
		resp.Body = []byte{}
	}
	if !raw.MTime.IsZero() {
		mtime := raw.MTime
		resp.LastModified = &mtime
	}
	if resp.Header.Has("Content-Length") {
		want := strconv.Itoa(len(resp.Body))
		values := resp.Header.Values("Content-Length")
		if len(values) != 1 || values[0] != want {
			log.Logf(LevelWarn, "engine reported Content-Length %v for a %s byte body, correcting", values, want)
			resp.Header.Set("Content-Length", want)
		}
	}
	return resp
}
