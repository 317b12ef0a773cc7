package softstore

import (
	"context"
	"errors"
	"sync"

	"github.com/kenneth/keystore-client/pkg/keyparam"
)

// Store persists key records for the engine. Implementations must treat
// Put as create-only and report the two sentinel errors below so the
// engine can translate them into service response codes. The in-memory
// implementation here is the default; a Redis-backed one lives in
// internal/storage/redisstore.
type Store interface {
	// Put creates a record. Fails with ErrRecordExists if the name is
	// taken.
	Put(ctx context.Context, rec *KeyRecord) error

	// Get returns the record for name, or ErrRecordNotFound.
	Get(ctx context.Context, name string) (*KeyRecord, error)

	// Delete removes the record for name, or reports ErrRecordNotFound.
	Delete(ctx context.Context, name string) error

	// DeleteAll removes every record.
	DeleteAll(ctx context.Context) error

	// List returns every stored name.
	List(ctx context.Context) ([]string, error)
}

var (
	// ErrRecordExists reports a create against a taken name.
	ErrRecordExists = errors.New("softstore: record already exists")
	// ErrRecordNotFound reports a lookup of a missing name.
	ErrRecordNotFound = errors.New("softstore: record not found")
)

// KeyRecord is the stored form of one key. Material holds the secret
// (raw symmetric bytes or PKCS#8 DER); it is nil for public-only keys.
type KeyRecord struct {
	Name      string        `json:"name"`
	Algorithm uint32        `json:"algorithm"`
	Purposes  []uint32      `json:"purposes"`
	Material  []byte        `json:"material,omitempty"`
	PublicDER []byte        `json:"public_der,omitempty"`
	Hardware  *keyparam.Set `json:"hardware_enforced"`
	Software  *keyparam.Set `json:"software_enforced"`
}

// allowsPurpose reports whether the record was created with the given
// purpose.
func (r *KeyRecord) allowsPurpose(p uint32) bool {
	for _, allowed := range r.Purposes {
		if allowed == p {
			return true
		}
	}
	return false
}

// MemoryStore is the default Store, a mutex-guarded map.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*KeyRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*KeyRecord)}
}

func (m *MemoryStore) Put(_ context.Context, rec *KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.Name]; exists {
		return ErrRecordExists
	}
	m.records[rec.Name] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, name string) (*KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[name]; !ok {
		return ErrRecordNotFound
	}
	delete(m.records, name)
	return nil
}

func (m *MemoryStore) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*KeyRecord)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	return names, nil
}
