package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultGroup is the friend group every user has and nobody can delete.
const DefaultGroup = "friends"

// Group is one named friend group.
type Group[T comparable] struct {
	Name    string
	Members []T
}

// Groups is an ordered mapping of group name to members. It serializes as a
// JSON object whose key order is the slice order.
type Groups[T comparable] []Group[T]

// Index returns the position of the named group or -1.
func (g Groups[T]) Index(name string) int {
	for i := range g {
		if g[i].Name == name {
			return i
		}
	}
	return -1
}

// Has reports whether a group with the given name exists.
func (g Groups[T]) Has(name string) bool { return g.Index(name) >= 0 }

// Locate returns the name of the group holding member.
func (g Groups[T]) Locate(member T) (string, bool) {
	for i := range g {
		for _, m := range g[i].Members {
			if m == member {
				return g[i].Name, true
			}
		}
	}
	return "", false
}

// Names lists group names in order.
func (g Groups[T]) Names() []string {
	names := make([]string, len(g))
	for i := range g {
		names[i] = g[i].Name
	}
	return names
}

// Clone returns a deep copy.
func (g Groups[T]) Clone() Groups[T] {
	if g == nil {
		return nil
	}
	out := make(Groups[T], len(g))
	for i := range g {
		out[i] = Group[T]{Name: g[i].Name, Members: append([]T(nil), g[i].Members...)}
	}
	return out
}

func (g Groups[T]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, grp := range g {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(grp.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')

		members := grp.Members
		if members == nil {
			members = []T{}
		}
		data, err := json.Marshal(members)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (g *Groups[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*g = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("groups: expected object")
	}

	var out Groups[T]
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("groups: unexpected key %v", tok)
		}
		if out.Has(name) {
			return fmt.Errorf("groups: duplicate group %q", name)
		}
		members := []T{}
		if err := dec.Decode(&members); err != nil {
			return fmt.Errorf("groups: members of %q: %w", name, err)
		}
		if members == nil {
			members = []T{}
		}
		out = append(out, Group[T]{Name: name, Members: members})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*g = out
	return nil
}
