package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Tags maps a lower-cased tag name to its value. An empty value marks a
// presence-only tag.
type Tags map[string]string

// NewTags builds Tags from name/value pairs; later names overwrite earlier ones.
func NewTags(pairs ...string) Tags {
	t := Tags{}
	for i := 0; i < len(pairs); i += 2 {
		value := ""
		if i+1 < len(pairs) {
			value = pairs[i+1]
		}
		t.Set(pairs[i], value)
	}
	return t
}

// ParseTags parses "a=1,b" into Tags. Duplicate names are an error.
func ParseTags(s string) (Tags, error) {
	t := Tags{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		if err := t.Add(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func normalizeTag(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Add inserts a tag, failing if the name is already present.
func (t Tags) Add(name, value string) error {
	n := normalizeTag(name)
	if n == "" {
		return fmt.Errorf("tag name is required")
	}
	if _, exists := t[n]; exists {
		return fmt.Errorf("duplicate tag %q", n)
	}
	t[n] = value
	return nil
}

// Set inserts or replaces a tag.
func (t Tags) Set(name, value string) {
	n := normalizeTag(name)
	if n == "" {
		return
	}
	t[n] = value
}

// Remove deletes a tag and reports whether it existed.
func (t Tags) Remove(name string) bool {
	n := normalizeTag(name)
	if _, ok := t[n]; !ok {
		return false
	}
	delete(t, n)
	return true
}

// Has reports whether the tag is present.
func (t Tags) Has(name string) bool {
	_, ok := t[normalizeTag(name)]
	return ok
}

// Get returns the tag value and whether the tag is present.
func (t Tags) Get(name string) (string, bool) {
	v, ok := t[normalizeTag(name)]
	return v, ok
}

// Match reports whether every tag in filter is present in t. Values are
// compared only when the filter supplies one.
func (t Tags) Match(filter Tags) bool {
	for name, want := range filter {
		got, ok := t[name]
		if !ok {
			return false
		}
		if want != "" && got != want {
			return false
		}
	}
	return true
}

// Equal compares two tag sets regardless of insertion order.
func (t Tags) Equal(other Tags) bool {
	if len(t) != len(other) {
		return false
	}
	for name, v := range t {
		ov, ok := other[name]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns a copy that never aliases t.
func (t Tags) Clone() Tags {
	c := make(Tags, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}

// Names returns the tag names in sorted order.
func (t Tags) Names() []string {
	names := make([]string, 0, len(t))
	for k := range t {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String renders the tags sorted by name, e.g. "active,role=admin".
func (t Tags) String() string {
	parts := make([]string, 0, len(t))
	for _, name := range t.Names() {
		if v := t[name]; v != "" {
			parts = append(parts, name+"="+v)
		} else {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ",")
}
