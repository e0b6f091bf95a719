// Package trust implements the bridge's TrustStore: an in-memory map from
// Stage instance id to Ed25519 verify key. Mutated only inside dispatch of
// InstanceJoinRequest (add) and BlacklistUpdate (remove); reads dominate, so
// access is guarded by a plain RWMutex rather than a lock-free structure.
package trust

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// ErrUnknownInstance is returned by Get when the instance id has no entry.
var ErrUnknownInstance = fmt.Errorf("trust: unknown instance")

// ErrInvalidPublicKey is returned when a configured key cannot be parsed.
var ErrInvalidPublicKey = fmt.Errorf("trust: invalid public key")

// Store is the bridge's concurrency-safe TrustStore.
type Store struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// New returns an empty Store.
func New() *Store {
	return &Store{keys: make(map[string]ed25519.PublicKey)}
}

// FromHexMapping builds a Store from a map of instance id to hex-encoded
// Ed25519 public key, matching the trust-store file's "instances" object.
func FromHexMapping(mapping map[string]string) (*Store, error) {
	s := New()
	for instanceID, hexKey := range mapping {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("%w: instance %q: %v", ErrInvalidPublicKey, instanceID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: instance %q: expected %d bytes, got %d", ErrInvalidPublicKey, instanceID, ed25519.PublicKeySize, len(raw))
		}
		s.keys[instanceID] = ed25519.PublicKey(raw)
	}
	return s, nil
}

// trustStoreFile is the on-disk JSON shape: {"instances": {id: hex_pubkey}}.
type trustStoreFile struct {
	Instances map[string]string `json:"instances"`
}

// LoadFile reads a trust store JSON file from disk and builds a Store.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trust: reading store file: %w", err)
	}
	var file trustStoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("trust: parsing store file: %w", err)
	}
	return FromHexMapping(file.Instances)
}

// Get returns the verify key for instanceID, or ErrUnknownInstance.
func (s *Store) Get(instanceID string) (ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[instanceID]
	if !ok {
		return nil, ErrUnknownInstance
	}
	return key, nil
}

// Contains reports whether instanceID has a TrustStore entry.
func (s *Store) Contains(instanceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[instanceID]
	return ok
}

// Add inserts or replaces the verify key for instanceID. Called only from
// dispatch of InstanceJoinRequest.
func (s *Store) Add(instanceID string, key ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[instanceID] = key
}

// Remove deletes the TrustStore entry for instanceID, if present. Called only
// from dispatch of BlacklistUpdate{action="add"} (see DESIGN.md for the
// inverted-naming rationale).
func (s *Store) Remove(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, instanceID)
}

// Snapshot returns a copy of the store as instance id -> hex-encoded key.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.keys))
	for id, key := range s.keys {
		out[id] = hex.EncodeToString(key)
	}
	return out
}
