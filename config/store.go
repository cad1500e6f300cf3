package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable set of property values.
type Snapshot struct {
	values map[string]string
}

// NewSnapshot validates values against the property catalogue and returns a
// snapshot holding a private copy of them. Empty values are dropped, they
// read as unset.
func NewSnapshot(values map[string]string) (*Snapshot, error) {
	s := &Snapshot{values: make(map[string]string, len(values))}
	for key, raw := range values {
		p, _, ok := Lookup(key)
		if !ok {
			return nil, fmt.Errorf("unknown configuration property %q", key)
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := p.Parse(raw); err != nil {
			return nil, err
		}
		s.values[key] = strings.TrimSpace(raw)
	}
	return s, nil
}

// Value returns the typed value of the property, or its default when unset.
func (s *Snapshot) Value(p *Property, index string) any {
	raw, ok := s.values[p.Key(index)]
	if !ok {
		return p.Default
	}
	v, err := p.Parse(raw)
	if err != nil {
		// Snapshots only hold values that parsed when published.
		return p.Default
	}
	return v
}

// Int64 returns a numeric property.
func (s *Snapshot) Int64(p *Property) int64 {
	v, _ := s.Value(p, "").(int64)
	return v
}

// String returns a string or enum property.
func (s *Snapshot) String(p *Property, index string) string {
	v, _ := s.Value(p, index).(string)
	return v
}

// Bool returns a boolean property.
func (s *Snapshot) Bool(p *Property) bool {
	v, _ := s.Value(p, "").(bool)
	return v
}

// Indexes returns the indexes set for an indexed property, sorted.
func (s *Snapshot) Indexes(p *Property) []string {
	var indexes []string
	for key := range s.values {
		q, index, ok := Lookup(key)
		if ok && q == p && index != "" {
			indexes = append(indexes, index)
		}
	}
	sort.Strings(indexes)
	return indexes
}

// Values returns a copy of the raw values.
func (s *Snapshot) Values() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Policy is the set of trust policy knobs read from one snapshot.
type Policy struct {
	TimestampMaxOffset time.Duration
	MaxGracePeriod     time.Duration
	PreferCRL          bool
	RequireTimestamp   bool
}

// Policy reads the trust policy knobs.
func (s *Snapshot) Policy() Policy {
	return Policy{
		TimestampMaxOffset: time.Duration(s.Int64(TimestampMaxOffset)) * time.Millisecond,
		MaxGracePeriod:     time.Duration(s.Int64(MaxGracePeriod)) * time.Hour,
		PreferCRL:          s.String(RevocationPreference, "") == "CRL",
		RequireTimestamp:   s.Bool(RequireTimestamp),
	}
}

// Store publishes snapshots atomically. Readers never block; writers build a
// new snapshot and swap it in, so a reader sees either the old or the new
// set of values, never a mix.
type Store struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex // serializes writers
}

// NewStore returns a store holding an empty snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&Snapshot{values: map[string]string{}})
	return s
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Publish replaces all values.
func (s *Store) Publish(values map[string]string) error {
	snap, err := NewSnapshot(values)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(snap)
	return nil
}

// Set stores a single typed value; a nil value removes the property.
func (s *Store) Set(p *Property, index string, value any) error {
	if value == nil {
		s.Remove(p, index)
		return nil
	}
	if index != "" && !p.Indexed {
		return fmt.Errorf("property %s is not indexed", p.Name)
	}
	raw, err := p.Format(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.current.Load().Values()
	values[p.Key(index)] = raw
	snap, err := NewSnapshot(values)
	if err != nil {
		return err
	}
	s.current.Store(snap)
	return nil
}

// Remove unsets a property.
func (s *Store) Remove(p *Property, index string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.current.Load().Values()
	delete(values, p.Key(index))
	s.current.Store(&Snapshot{values: values})
}

// Value returns the typed value of the property, or its default when unset.
func (s *Store) Value(p *Property, index string) any {
	return s.Snapshot().Value(p, index)
}

// Indexes returns the indexes set for an indexed property.
func (s *Store) Indexes(p *Property) []string {
	return s.Snapshot().Indexes(p)
}

// Policy reads the trust policy knobs from the current snapshot.
func (s *Store) Policy() Policy {
	return s.Snapshot().Policy()
}
