// Package binding holds the node-local table linking mounted volumes to the
// certificates that back them.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/cacsi/internal/authority/registry"
)

// Table errors.
var (
	ErrExists   = errors.New("volume binding already exists")
	ErrNotFound = errors.New("volume binding not found")
)

// Binding links one mounted volume to its certificate.
type Binding struct {
	VolumeID      string
	PodNamespace  string
	PodName       string
	NodeID        string
	TargetPath    string
	CertificateID string
	CNTemplate    string
	Validity      time.Duration
	NotBefore     time.Time
	NotAfter      time.Time
}

// RemainingFraction returns the share of the validity window left at now.
// It is zero for a binding without a window.
func (b Binding) RemainingFraction(now time.Time) float64 {
	total := b.NotAfter.Sub(b.NotBefore)
	if total <= 0 {
		return 0
	}
	return float64(b.NotAfter.Sub(now)) / float64(total)
}

// Table is a concurrency-safe set of bindings keyed by volume ID.
//
// Besides the table lock, every volume has a lock of its own. Whoever
// touches the files of a volume (renewal, unpublish) holds it across the
// table lookup and the file change, so files are never written for a
// volume whose binding is already gone.
type Table struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	volumes  *registry.KeyedMutex
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		bindings: make(map[string]Binding),
		volumes:  registry.NewKeyedMutex(),
	}
}

// LockVolume waits for the lock of volumeID or for ctx to be done. The
// returned function releases it.
func (t *Table) LockVolume(ctx context.Context, volumeID string) (func(), error) {
	return t.volumes.Lock(ctx, volumeID)
}

// Add inserts b. It fails with ErrExists if the volume is already bound.
func (t *Table) Add(b Binding) error {
	if b.VolumeID == "" {
		return errors.New("volume binding requires a volume ID")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.bindings[b.VolumeID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, b.VolumeID)
	}
	t.bindings[b.VolumeID] = b
	return nil
}

// Remove deletes the binding of volumeID and returns it. Removing an
// unknown volume returns false.
func (t *Table) Remove(volumeID string) (Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bindings[volumeID]
	if ok {
		delete(t.bindings, volumeID)
	}
	return b, ok
}

// Get returns the binding of volumeID.
func (t *Table) Get(volumeID string) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.bindings[volumeID]
	return b, ok
}

// Update replaces the validity window of the binding of volumeID after a
// renewal.
func (t *Table) Update(volumeID string, notBefore, notAfter time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bindings[volumeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, volumeID)
	}
	b.NotBefore = notBefore
	b.NotAfter = notAfter
	t.bindings[volumeID] = b
	return nil
}

// List returns a snapshot of all bindings sorted by volume ID.
func (t *Table) List() []Binding {
	t.mu.RLock()
	out := make([]Binding, 0, len(t.bindings))
	for _, b := range t.bindings {
		out = append(out, b)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].VolumeID < out[j].VolumeID })
	return out
}

// Len returns the number of bindings.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bindings)
}
