package store

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketFriends  = "friends"
	bucketIdentity = "identity"

	keyIdentityPublic  = "public"
	keyIdentityPrivate = "private"
)

// Friend is a remote public identity the local user has added (spec §3).
type Friend struct {
	PublicID string `json:"public_id"`
	Nickname string `json:"nickname,omitempty"`
	AddedAt  int64  `json:"added_at"`
}

// Identity is the local user's DH keypair; the public half is the user's
// public-ID and is shared during the handshake.
type Identity struct {
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

// FriendStore persists the friend set and the single local identity
// keypair (spec §3, §4.4.3's friend_store.all_friend_ids() collaborator),
// backed by bbolt using the same bucket-per-concern layout as
// MessageStore and the teacher's storage.DB.
type FriendStore struct {
	db *bolt.DB
	mu sync.RWMutex
}

// OpenFriendStore opens (or creates) the bbolt-backed friend/identity
// store at path.
func OpenFriendStore(path string) (*FriendStore, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5_000_000_000})
	if err != nil {
		return nil, fmt.Errorf("store: open friend db %q: %w", path, err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketFriends, bucketIdentity} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return &FriendStore{db: bdb}, nil
}

// Close closes the underlying bbolt file.
func (s *FriendStore) Close() error {
	return s.db.Close()
}

// AddFriend inserts or updates a friend record keyed by public id.
func (s *FriendStore) AddFriend(f Friend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal friend: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFriends))
		return b.Put([]byte(f.PublicID), data)
	})
}

// RemoveFriend deletes a friend by public id. No-op if absent.
func (s *FriendStore) RemoveFriend(publicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFriends))
		return b.Delete([]byte(publicID))
	})
}

// AllFriendIDs returns every friend's public id. Used to materialise the
// PSI input set: friend_store.all_friend_ids() ∪ {my_public_id} (spec
// §4.4.3).
func (s *FriendStore) AllFriendIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFriends))
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// AllFriends returns every stored Friend record.
func (s *FriendStore) AllFriends() ([]Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Friend
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFriends))
		return b.ForEach(func(_, v []byte) error {
			var f Friend
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			out = append(out, f)
			return nil
		})
	})
	return out, err
}

// SetIdentity persists the local user's one DH keypair (spec §6: a
// one-row identity table with key_type ∈ {public, private}).
func (s *FriendStore) SetIdentity(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketIdentity))
		if err := b.Put([]byte(keyIdentityPublic), id.PublicKey); err != nil {
			return err
		}
		return b.Put([]byte(keyIdentityPrivate), id.PrivateKey)
	})
}

// GetIdentity returns the stored keypair, or (Identity{}, false, nil) if
// none has been set yet.
func (s *FriendStore) GetIdentity() (Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var id Identity
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketIdentity))
		pub := b.Get([]byte(keyIdentityPublic))
		priv := b.Get([]byte(keyIdentityPrivate))
		if pub == nil || priv == nil {
			return nil
		}
		id.PublicKey = append([]byte(nil), pub...)
		id.PrivateKey = append([]byte(nil), priv...)
		found = true
		return nil
	})
	return id, found, err
}
