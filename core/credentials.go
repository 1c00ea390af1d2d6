package core

// credentials.go — verification material for known senders.
//
// The registry is the in-process credential source: peers are enrolled with
// the keys they may sign with, optionally for a limited time. Derived
// credentials cover clusters that share one secret instead of enrolling
// every agent.

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Credential holds a sender's verification keys, one per permitted
// algorithm. An algorithm without a key is not permitted for that sender.
type Credential struct {
	Keys map[string][]byte
}

// NewCredential builds a credential permitting a single algorithm.
func NewCredential(algorithm string, key []byte) Credential {
	return Credential{Keys: map[string][]byte{algorithm: append([]byte(nil), key...)}}
}

// Permits reports whether algorithm may be used by the holder.
func (c Credential) Permits(algorithm string) bool {
	_, ok := c.Keys[algorithm]
	return ok
}

// CredentialSource supplies verification material for an identity.
// Implementations must be safe for concurrent use.
type CredentialSource interface {
	Credential(id AgentIdentity) (Credential, bool)
}

// CredentialRegistry stores enrolled credentials in memory.
// All methods are concurrency-safe.
type CredentialRegistry struct {
	mu      sync.RWMutex
	entries map[AgentIdentity]*registryEntry
	clock   func() time.Time
}

type registryEntry struct {
	cred      Credential
	expiresAt time.Time // zero value means no expiry
}

// NewCredentialRegistry creates an empty registry.
func NewCredentialRegistry() *CredentialRegistry {
	return &CredentialRegistry{
		entries: make(map[AgentIdentity]*registryEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock used for expiry.
func (r *CredentialRegistry) WithClock(clock func() time.Time) *CredentialRegistry {
	r.clock = clock
	return r
}

// Enroll registers or replaces the credential for id.
// ttl == 0 means the entry never expires.
func (r *CredentialRegistry) Enroll(id AgentIdentity, cred Credential, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = r.clock().Add(ttl)
	}
	r.entries[id] = &registryEntry{cred: cred, expiresAt: exp}
}

// Revoke deletes the credential for id.
func (r *CredentialRegistry) Revoke(id AgentIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Credential implements CredentialSource. Expired entries are invisible
// even before eviction.
func (r *CredentialRegistry) Credential(id AgentIdentity) (Credential, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.isExpired(r.clock()) {
		return Credential{}, false
	}
	return e.cred, true
}

// Len returns the number of live entries.
func (r *CredentialRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock()
	n := 0
	for _, e := range r.entries {
		if !e.isExpired(now) {
			n++
		}
	}
	return n
}

// Evict removes all expired entries and returns the count removed.
func (r *CredentialRegistry) Evict() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	n := 0
	for id, e := range r.entries {
		if e.isExpired(now) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// StartEvictionLoop runs a background goroutine that periodically evicts
// expired entries. Close done to stop it.
func (r *CredentialRegistry) StartEvictionLoop(interval time.Duration, done <-chan struct{}) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.Evict()
			case <-done:
				return
			}
		}
	}()
}

func (e *registryEntry) isExpired(now time.Time) bool {
	if e.expiresAt.IsZero() {
		return false
	}
	return now.After(e.expiresAt)
}

// ------------------------------------------------------------------ derived

// DerivedKeySize is the length of keys produced by DeriveSecret.
const DerivedKeySize = 32

const derivationSalt = "pap.derived-credential.v1"

// DeriveSecret derives a per-identity shared secret from a cluster secret
// with HKDF-SHA256. The canonical identity is the HKDF info, so every field
// of the identity changes the key.
func DeriveSecret(clusterSecret []byte, id AgentIdentity) ([]byte, error) {
	if len(clusterSecret) == 0 {
		return nil, fmt.Errorf("derive secret: empty cluster secret")
	}
	out := make([]byte, DerivedKeySize)
	r := hkdf.New(sha256.New, clusterSecret, []byte(derivationSalt), id.Canonical())
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive secret: %w", err)
	}
	return out, nil
}

// DerivedCredentials is a CredentialSource for clusters sharing a secret.
// Every identity in an allowed cluster gets HMAC keys derived for it.
type DerivedCredentials struct {
	secret   []byte
	clusters map[string]struct{}
}

// NewDerivedCredentials accepts senders from the given clusters, or from
// any cluster when none are listed.
func NewDerivedCredentials(clusterSecret []byte, clusters ...string) *DerivedCredentials {
	d := &DerivedCredentials{
		secret:   append([]byte(nil), clusterSecret...),
		clusters: make(map[string]struct{}, len(clusters)),
	}
	for _, c := range clusters {
		d.clusters[c] = struct{}{}
	}
	return d
}

// Credential implements CredentialSource.
func (d *DerivedCredentials) Credential(id AgentIdentity) (Credential, bool) {
	if len(d.clusters) > 0 {
		if _, ok := d.clusters[id.Cluster]; !ok {
			return Credential{}, false
		}
	}
	key, err := DeriveSecret(d.secret, id)
	if err != nil {
		return Credential{}, false
	}
	return Credential{Keys: map[string][]byte{
		AlgHMACSHA256: key,
		AlgHMACBLAKE3: key,
	}}, true
}

// SigningKey returns the key id should sign with under this secret.
func (d *DerivedCredentials) SigningKey(id AgentIdentity, algorithm string) (SigningKey, error) {
	if algorithm != AlgHMACSHA256 && algorithm != AlgHMACBLAKE3 {
		return SigningKey{}, fmt.Errorf("%w %q: derived credentials are HMAC only", ErrUnknownAlgorithm, algorithm)
	}
	key, err := DeriveSecret(d.secret, id)
	if err != nil {
		return SigningKey{}, err
	}
	return SigningKey{Algorithm: algorithm, Material: key}, nil
}

// ------------------------------------------------------------------ chain

// CredentialChain consults sources in order and returns the first hit.
type CredentialChain []CredentialSource

// Credential implements CredentialSource.
func (c CredentialChain) Credential(id AgentIdentity) (Credential, bool) {
	for _, s := range c {
		if cred, ok := s.Credential(id); ok {
			return cred, true
		}
	}
	return Credential{}, false
}
