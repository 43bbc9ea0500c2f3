package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rangzen-mesh/core/internal/clock"
	"github.com/rangzen-mesh/core/internal/observability"
)

const (
	bucketMessages = "messages"
	bucketStoreMeta = "store_meta"

	keyStoreVersion = "store_version"
	keySequenceNext = "sequence_next"
)

// record is the persisted envelope around a Message: its row-insertion
// sequence, used to reproduce the legacy "newest first, by insertion
// order" eligibility ordering (spec §4.5) without a bbolt cursor that
// only sorts by key.
type record struct {
	Message
	Sequence uint64 `json:"sequence"`
}

// MessageStore is the durable, crash-safe message table keyed by
// message_id (spec §4.5). Backed by bbolt, one bucket for records plus a
// meta bucket for the store-version counter — the same bucket-per-concern
// shape as the teacher's storage.DB.
type MessageStore struct {
	db      *bolt.DB
	clock   clock.Clock
	metrics *observability.Metrics

	mu      sync.RWMutex
	order   []string // message ids in ascending insertion-sequence order
	bySeq   map[string]uint64
	version uint64
}

// OpenMessageStore opens (or creates) the bbolt-backed message store at
// path, rebuilding the in-memory insertion-order index by scanning the
// messages bucket on open — same reasoning the teacher uses for keeping
// its ledger scan-ordered by construction, except here we also cache the
// order in memory because message mutation (trust update, like) is far
// more frequent than the teacher's append-only ledger. metrics may be nil
// to disable write-latency observation (e.g. in tests).
func OpenMessageStore(path string, clk clock.Clock, metrics *observability.Metrics) (*MessageStore, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5_000_000_000})
	if err != nil {
		return nil, fmt.Errorf("store: open message db %q: %w", path, err)
	}

	s := &MessageStore{db: bdb, clock: clk, metrics: metrics, bySeq: make(map[string]uint64)}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketMessages, bucketStoreMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	if err := s.rebuildIndex(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return s, nil
}

func (s *MessageStore) rebuildIndex() error {
	type entry struct {
		id  string
		seq uint64
	}
	var entries []entry
	var version uint64

	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMessages))
		if err := b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode message %q: %w", k, err)
			}
			entries = append(entries, entry{id: string(k), seq: rec.Sequence})
			return nil
		}); err != nil {
			return err
		}
		meta := tx.Bucket([]byte(bucketStoreMeta))
		if raw := meta.Get([]byte(keyStoreVersion)); raw != nil {
			version = binary.BigEndian.Uint64(raw)
		}
		return nil
	}); err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = s.order[:0]
	s.bySeq = make(map[string]uint64, len(entries))
	for _, e := range entries {
		s.order = append(s.order, e.id)
		s.bySeq[e.id] = e.seq
	}
	s.version = version
	return nil
}

// Close closes the underlying bbolt file.
func (s *MessageStore) Close() error {
	return s.db.Close()
}

func (s *MessageStore) nextSequence(tx *bolt.Tx) (uint64, error) {
	meta := tx.Bucket([]byte(bucketStoreMeta))
	var next uint64
	if raw := meta.Get([]byte(keySequenceNext)); raw != nil {
		next = binary.BigEndian.Uint64(raw)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next+1)
	if err := meta.Put([]byte(keySequenceNext), buf[:]); err != nil {
		return 0, err
	}
	return next, nil
}

// dbUpdate runs fn in a bbolt write transaction, recording its wall-clock
// latency via s.metrics (spec §3.10's rangzen_store_write_latency_seconds)
// the same way exchange.Session records PSI cardinality observations.
func (s *MessageStore) dbUpdate(fn func(tx *bolt.Tx) error) error {
	start := time.Now()
	err := s.db.Update(fn)
	if s.metrics != nil {
		s.metrics.ObserveStoreWrite(time.Since(start))
	}
	return err
}

func (s *MessageStore) bumpVersionLocked(tx *bolt.Tx) (uint64, error) {
	meta := tx.Bucket([]byte(bucketStoreMeta))
	s.version++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.version)
	if err := meta.Put([]byte(keyStoreVersion), buf[:]); err != nil {
		return 0, err
	}
	return s.version, nil
}

// Add inserts msg iff its MessageID is absent. Returns added=true on
// success; bumps store-version on success (spec §4.5).
func (s *MessageStore) Add(msg Message) (added bool, err error) {
	msg.Text = TruncateText(msg.Text)
	msg.Trust = ClampTrust(msg.Trust)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.dbUpdate(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMessages))
		if b.Get([]byte(msg.MessageID)) != nil {
			return nil // already present; added stays false
		}
		seq, err := s.nextSequence(tx)
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}
		rec := record{Message: msg, Sequence: seq}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if err := b.Put([]byte(msg.MessageID), data); err != nil {
			return fmt.Errorf("put message: %w", err)
		}
		if _, err := s.bumpVersionLocked(tx); err != nil {
			return fmt.Errorf("bump store version: %w", err)
		}
		s.order = append(s.order, msg.MessageID)
		s.bySeq[msg.MessageID] = seq
		added = true
		return nil
	})
	return added, err
}

// Get returns the message with the given id, or (Message{}, false) if
// absent.
func (s *MessageStore) Get(messageID string) (Message, bool, error) {
	var msg Message
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMessages))
		data := b.Get([]byte(messageID))
		if data == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode message %q: %w", messageID, err)
		}
		msg = rec.Message
		found = true
		return nil
	})
	return msg, found, err
}

// All returns every non-expired message ordered by composed_at
// descending (spec §4.5).
func (s *MessageStore) All() ([]Message, error) {
	now := s.clock.NowMillis()
	msgs, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Expired(now) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ComposedAt > out[j].ComposedAt })
	return out, nil
}

// EligibleForExchange returns up to limit eligible messages for a peer
// with commonFriends mutual friends, newest-insertion-first (spec §4.5).
// This insertion-order-descending ordering is the protocol's fairness
// contract and must not be changed to, e.g., composed_at ordering.
func (s *MessageStore) EligibleForExchange(commonFriends, limit int) ([]Message, error) {
	now := s.clock.NowMillis()

	s.mu.RLock()
	orderedIDs := make([]string, len(s.order))
	copy(orderedIDs, s.order)
	s.mu.RUnlock()

	var out []Message
	for i := len(orderedIDs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		msg, found, err := s.Get(orderedIDs[i])
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if msg.Eligible(commonFriends, now) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *MessageStore) loadAll() ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMessages))
		return b.ForEach(func(_, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec.Message)
			return nil
		})
	})
	return out, err
}

// UpdateTrust clamps newTrust to [TrustMin, TrustMax] and persists it iff
// the value changes, bumping store-version (spec §4.5).
func (s *MessageStore) UpdateTrust(messageID string, newTrust float64) (changed bool, err error) {
	clamped := ClampTrust(newTrust)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.dbUpdate(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMessages))
		data := b.Get([]byte(messageID))
		if data == nil {
			return fmt.Errorf("store: message %q not found", messageID)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode message %q: %w", messageID, err)
		}
		if rec.Trust == clamped {
			return nil
		}
		rec.Trust = clamped
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if err := b.Put([]byte(messageID), encoded); err != nil {
			return err
		}
		if _, err := s.bumpVersionLocked(tx); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// Like adjusts the likes count by +1 or -1, never below zero.
func (s *MessageStore) Like(messageID string, liked bool) error {
	return s.mutate(messageID, func(rec *record) bool {
		if liked {
			rec.Likes++
		} else if rec.Likes > 0 {
			rec.Likes--
		}
		rec.LikedLocally = liked
		return false // likes don't bump store-version; they don't add information peers need
	})
}

// MarkRead sets the Read flag.
func (s *MessageStore) MarkRead(messageID string) error {
	return s.mutate(messageID, func(rec *record) bool {
		rec.Read = true
		return false
	})
}

// mutate loads messageID, applies fn (which mutates rec and returns
// whether store-version should bump), and persists the result.
func (s *MessageStore) mutate(messageID string, fn func(rec *record) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dbUpdate(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMessages))
		data := b.Get([]byte(messageID))
		if data == nil {
			return fmt.Errorf("store: message %q not found", messageID)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode message %q: %w", messageID, err)
		}
		bump := fn(&rec)
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if err := b.Put([]byte(messageID), encoded); err != nil {
			return err
		}
		if bump {
			if _, err := s.bumpVersionLocked(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// AutoDelete removes any message satisfying the retention predicate when
// enabled (spec §4.5): trust <= trustThreshold OR composed_at < now -
// ageDays OR (expiration > 0 AND composed_at+expiration < now). Returns
// the number of messages deleted.
func (s *MessageStore) AutoDelete(enabled bool, trustThreshold float64, ageDays int) (int, error) {
	if !enabled {
		return 0, nil
	}
	now := s.clock.NowMillis()
	ageCutoff := now - int64(ageDays)*24*60*60*1000

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted []string
	err := s.dbUpdate(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMessages))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if shouldAutoDelete(rec.Message, trustThreshold, ageCutoff, now) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted = append(deleted, string(k))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(deleted) > 0 {
		deadSet := make(map[string]struct{}, len(deleted))
		for _, id := range deleted {
			deadSet[id] = struct{}{}
			delete(s.bySeq, id)
		}
		filtered := s.order[:0:0]
		for _, id := range s.order {
			if _, dead := deadSet[id]; !dead {
				filtered = append(filtered, id)
			}
		}
		s.order = filtered
	}
	return len(deleted), nil
}

func shouldAutoDelete(m Message, trustThreshold float64, ageCutoff, now int64) bool {
	if m.Trust <= trustThreshold {
		return true
	}
	if m.ComposedAt < ageCutoff {
		return true
	}
	if m.ExpirationMs > 0 && m.ComposedAt+m.ExpirationMs < now {
		return true
	}
	return false
}

// StoreVersion returns a token equal to the current version; compare for
// equality only (spec §3, §4.5).
func (s *MessageStore) StoreVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Count returns the number of messages currently held, expired or not,
// from the in-memory index rather than a full bbolt scan — cheap enough
// to call from a periodic metrics tick.
func (s *MessageStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
