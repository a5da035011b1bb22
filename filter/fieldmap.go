// Package filter builds metasmoke API filter tokens from the server's field
// name to bit index table.
package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrFieldMapUnavailable is returned when the field map has not been
	// loaded, or failed to load.
	ErrFieldMapUnavailable = errors.New("api field mappings are not available")

	// ErrUnknownField is returned when a required field has no bit index.
	ErrUnknownField = errors.New("unknown filter field")
)

// LoadState is the lifecycle state of a FieldMap.
type LoadState int

const (
	Unloaded LoadState = iota
	Loaded
	Failed
)

func (s LoadState) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "unloaded"
	}
}

// Source fetches the field name to bit index table.
type Source interface {
	FilterFields(ctx context.Context) (map[string]int, error)
}

// FieldMap is a write-once table of field names to bit positions. It moves
// from Unloaded to either Loaded or Failed exactly once and is read-only
// afterwards.
type FieldMap struct {
	loadMu sync.Mutex

	mu     sync.RWMutex
	state  LoadState
	fields map[string]int
	err    error
}

// NewFieldMap returns an unloaded field map.
func NewFieldMap() *FieldMap {
	return &FieldMap{}
}

// NewLoadedFieldMap returns a field map already populated with fields.
func NewLoadedFieldMap(fields map[string]int) *FieldMap {
	m := &FieldMap{}
	m.set(fields, nil)
	return m
}

// Load populates the map from src. Only the first call fetches; later calls
// return the outcome of the first.
func (m *FieldMap) Load(ctx context.Context, src Source) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.RLock()
	state, err := m.state, m.err
	m.mu.RUnlock()
	if state != Unloaded {
		return err
	}

	fields, err := src.FilterFields(ctx)
	if err != nil {
		err = fmt.Errorf("fetch api field mappings: %w", err)
		slog.Error("failed to fetch api field mappings", "error", err)
		m.set(nil, err)
		return err
	}
	m.set(fields, nil)
	slog.Info("api field mappings loaded", "fields", len(fields))
	return nil
}

func (m *FieldMap) set(fields map[string]int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.state = Failed
		m.err = err
		return
	}
	m.fields = make(map[string]int, len(fields))
	for name, idx := range fields {
		m.fields[name] = idx
	}
	m.state = Loaded
}

// State reports the current lifecycle state.
func (m *FieldMap) State() LoadState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Len returns the number of known fields, or 0 when not loaded.
func (m *FieldMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fields)
}

// Index returns the bit index for name.
func (m *FieldMap) Index(name string) (int, error) {
	fields, err := m.snapshot()
	if err != nil {
		return 0, err
	}
	idx, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return idx, nil
}

// snapshot returns the loaded table. The returned map must not be modified.
func (m *FieldMap) snapshot() (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != Loaded {
		if m.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFieldMapUnavailable, m.err)
		}
		return nil, ErrFieldMapUnavailable
	}
	return m.fields, nil
}
