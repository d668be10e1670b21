// Package registry stores issued certificate records in memory.
//
// Records are keyed by certificate identifier. The record map is guarded by
// a read-write mutex held only for map access; callers that need to
// serialize a read-sign-write sequence for one identifier use the KeyedMutex
// returned by Locks.
package registry

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no record exists for an identifier.
var ErrNotFound = errors.New("certificate not found")

// Record is an issued certificate.
type Record struct {
	ID                  string
	CommonName          string
	DNSNames            []string
	OrganizationalUnits []string
	Validity            time.Duration
	NotBefore           time.Time
	NotAfter            time.Time
	SerialNumber        *big.Int
	CertificatePEM      []byte
	PrivateKeyPEM       []byte
	Metadata            map[string]string
	IssuedAt            time.Time
	Renewals            int
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	out := *r
	out.DNSNames = append([]string(nil), r.DNSNames...)
	out.OrganizationalUnits = append([]string(nil), r.OrganizationalUnits...)
	out.CertificatePEM = append([]byte(nil), r.CertificatePEM...)
	out.PrivateKeyPEM = append([]byte(nil), r.PrivateKeyPEM...)
	if r.SerialNumber != nil {
		out.SerialNumber = new(big.Int).Set(r.SerialNumber)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Registry is a concurrent map from identifier to Record. Stored records are
// never handed out directly; every read returns a copy.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	locks   *KeyedMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		locks:   NewKeyedMutex(),
	}
}

// Locks returns the per-identifier lock set.
func (r *Registry) Locks() *KeyedMutex {
	return r.locks
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (*Record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Put inserts rec, replacing any record with the same identifier. It returns
// the replaced record, if any.
func (r *Registry) Put(rec *Record) *Record {
	stored := rec.Clone()

	r.mu.Lock()
	prev := r.records[rec.ID]
	r.records[rec.ID] = stored
	r.mu.Unlock()

	return prev
}

// Delete removes the record for id and reports whether one existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	_, ok := r.records[id]
	delete(r.records, id)
	r.mu.Unlock()

	return ok
}

// List returns copies of all records sorted by identifier.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
