package skyvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mistic96/skyvault/persist"
)

// indexSaveRetries bounds how many times a mutation is replayed after losing
// an optimistic-version race.
const indexSaveRetries = 3

// indexDocument is the persisted form of the key-metadata repository:
// every key record by identifier, plus a public-key registry mapping
// SHA-256(public key) to the owning identifier so delegated-request
// verification is a single lookup, not an address scan.
type indexDocument struct {
	Entities   map[string]*KeyEntity `json:"entities"`
	PublicKeys map[string]string     `json:"public_keys,omitempty"`
}

func newIndexDocument() *indexDocument {
	return &indexDocument{
		Entities:   make(map[string]*KeyEntity),
		PublicKeys: make(map[string]string),
	}
}

func (doc *indexDocument) clone() *indexDocument {
	out := &indexDocument{
		Entities:   make(map[string]*KeyEntity, len(doc.Entities)),
		PublicKeys: make(map[string]string, len(doc.PublicKeys)),
	}
	for id, entity := range doc.Entities {
		out.Entities[id] = cloneEntity(entity)
	}
	for hash, id := range doc.PublicKeys {
		out.PublicKeys[hash] = id
	}
	return out
}

// keyIndex is the key-metadata repository: an append-only record set
// persisted as one versioned document through the store's index operations.
// Optimistic versioning serializes concurrent mutations of the same
// identifier across replicas, so a rotation cannot silently race a revoke.
type keyIndex struct {
	store persist.Store

	mu      sync.Mutex
	doc     *indexDocument
	version string
	loaded  bool
}

func newKeyIndex(store persist.Store) *keyIndex {
	return &keyIndex{
		store: store,
		doc:   newIndexDocument(),
	}
}

// load refreshes the in-memory view from the store. A missing index is an
// empty one.
func (ki *keyIndex) load(ctx context.Context) error {
	ki.mu.Lock()
	defer ki.mu.Unlock()
	return ki.loadLocked(ctx)
}

func (ki *keyIndex) loadLocked(ctx context.Context) error {
	exists, err := ki.store.IndexExists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check key index existence: %w", err)
	}
	if !exists {
		ki.doc = newIndexDocument()
		ki.version = ""
		ki.loaded = true
		return nil
	}

	versioned, err := ki.store.LoadIndex(ctx)
	if err != nil {
		return fmt.Errorf("failed to load key index: %w", err)
	}

	doc := newIndexDocument()
	if len(versioned.Data) > 0 {
		if err = json.Unmarshal(versioned.Data, doc); err != nil {
			return fmt.Errorf("failed to parse key index: %w", err)
		}
	}
	if doc.Entities == nil {
		doc.Entities = make(map[string]*KeyEntity)
	}
	if doc.PublicKeys == nil {
		doc.PublicKeys = make(map[string]string)
	}

	ki.doc = doc
	ki.version = versioned.Version
	ki.loaded = true
	return nil
}

// get returns a copy of the record for id.
func (ki *keyIndex) get(ctx context.Context, id string) (*KeyEntity, error) {
	ki.mu.Lock()
	defer ki.mu.Unlock()

	if !ki.loaded {
		if err := ki.loadLocked(ctx); err != nil {
			return nil, err
		}
	}

	entity, ok := ki.doc.Entities[id]
	if !ok {
		return nil, &KeyNotFoundError{Identifier: id}
	}
	return cloneEntity(entity), nil
}

// byPublicKeyHash resolves a SHA-256 public-key hash to its record.
func (ki *keyIndex) byPublicKeyHash(ctx context.Context, hash string) (*KeyEntity, error) {
	ki.mu.Lock()
	defer ki.mu.Unlock()

	if !ki.loaded {
		if err := ki.loadLocked(ctx); err != nil {
			return nil, err
		}
	}

	id, ok := ki.doc.PublicKeys[hash]
	if !ok {
		return nil, &KeyNotFoundError{Identifier: "pubkey:" + hash}
	}
	entity, ok := ki.doc.Entities[id]
	if !ok {
		return nil, &KeyNotFoundError{Identifier: id}
	}
	return cloneEntity(entity), nil
}

// list returns copies of all records matching the filter. A nil filter
// matches everything.
func (ki *keyIndex) list(ctx context.Context, filter func(*KeyEntity) bool) ([]*KeyEntity, error) {
	ki.mu.Lock()
	defer ki.mu.Unlock()

	if !ki.loaded {
		if err := ki.loadLocked(ctx); err != nil {
			return nil, err
		}
	}

	var out []*KeyEntity
	for _, entity := range ki.doc.Entities {
		if filter == nil || filter(entity) {
			out = append(out, cloneEntity(entity))
		}
	}
	return out, nil
}

// mutate applies fn to the document and persists the result under the
// optimistic version. On a version conflict the index is reloaded and fn is
// replayed, up to indexSaveRetries times, so mutations stay correct when
// another replica won the race.
func (ki *keyIndex) mutate(ctx context.Context, fn func(doc *indexDocument) error) error {
	ki.mu.Lock()
	defer ki.mu.Unlock()

	if !ki.loaded {
		if err := ki.loadLocked(ctx); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < indexSaveRetries; attempt++ {
		working := ki.doc.clone()
		if err := fn(working); err != nil {
			return err
		}

		data, err := json.Marshal(working)
		if err != nil {
			return fmt.Errorf("failed to serialize key index: %w", err)
		}

		newVersion, err := ki.store.SaveIndex(ctx, data, ki.version)
		if err == nil {
			ki.doc = working
			ki.version = newVersion
			return nil
		}

		var conflict persist.ConcurrencyError
		if !errors.As(err, &conflict) {
			return fmt.Errorf("failed to save key index: %w", err)
		}

		lastErr = err
		if err = ki.loadLocked(ctx); err != nil {
			return err
		}
	}

	return fmt.Errorf("key index mutation lost %d optimistic-version races: %w", indexSaveRetries, lastErr)
}

func cloneEntity(e *KeyEntity) *KeyEntity {
	clone := *e
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		clone.ExpiresAt = &t
	}
	if e.RevokedAt != nil {
		t := *e.RevokedAt
		clone.RevokedAt = &t
	}
	if e.Metadata != nil {
		clone.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
