package relay

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"courier/internal/domain"
)

// Bucket layout. The pending bucket is an index over undelivered queue
// entries with composite keys (recipient, 0x00, big-endian seq) so a prefix
// scan yields one recipient's backlog in enqueue order.
var (
	bucketIdentities = []byte("identities")
	bucketBundles    = []byte("bundles")
	bucketQueue      = []byte("queue")
	bucketPending    = []byte("pending")
)

type identityRecord struct {
	ID        string    `cbor:"id"`
	CreatedAt time.Time `cbor:"created_at"`
}

// Store is the relay's durable state: one table of registered identities, one
// of latest bundles, and the append-only queue log.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens the relay database at path, creating tables if absent.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening relay store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketIdentities, bucketBundles, bucketQueue, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the backing file.
func (s *Store) Close() error { return s.db.Close() }

// RegisterIdentity inserts id if absent. Duplicate registration is a no-op.
func (s *Store) RegisterIdentity(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		if b.Get([]byte(id)) != nil {
			return nil
		}
		raw, err := cbor.Marshal(identityRecord{ID: id, CreatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		return b.Put([]byte(id), raw)
	})
}

// IsRegistered reports whether id has been registered.
func (s *Store) IsRegistered(id string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketIdentities).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// CountIdentities returns the number of registered identities.
func (s *Store) CountIdentities() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketIdentities).Stats().KeyN
		return nil
	})
	return n, err
}

// PutBundle stores the latest bundle for id, replacing any previous one.
func (s *Store) PutBundle(id string, b domain.Bundle) error {
	raw, err := cbor.Marshal(b)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBundles).Put([]byte(id), raw)
	})
}

// GetBundle returns the latest bundle published for id.
func (s *Store) GetBundle(id string) (domain.Bundle, bool, error) {
	var (
		bundle domain.Bundle
		found  bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBundles).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(raw, &bundle)
	})
	return bundle, found, err
}

// CountBundles returns the number of identities with a published bundle.
func (s *Store) CountBundles() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketBundles).Stats().KeyN
		return nil
	})
	return n, err
}

// Append adds entry to the queue log and indexes it as pending. The assigned
// sequence number orders replay.
func (s *Store) Append(entry domain.QueueEntry) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		q := tx.Bucket(bucketQueue)
		var err error
		seq, err = q.NextSequence()
		if err != nil {
			return err
		}
		raw, err := cbor.Marshal(entry)
		if err != nil {
			return err
		}
		if err := q.Put(seqKey(seq), raw); err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put(pendingKey(entry.RecipientID, seq), seqKey(seq))
	})
	return seq, err
}

// MarkDelivered flips the entry's delivered flag and drops it from the
// pending index. Entries are never deleted from the queue log.
func (s *Store) MarkDelivered(seq uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		q := tx.Bucket(bucketQueue)
		raw := q.Get(seqKey(seq))
		if raw == nil {
			return fmt.Errorf("queue entry %d not found", seq)
		}
		var entry domain.QueueEntry
		if err := cbor.Unmarshal(raw, &entry); err != nil {
			return err
		}
		entry.Delivered = true
		updated, err := cbor.Marshal(entry)
		if err != nil {
			return err
		}
		if err := q.Put(seqKey(seq), updated); err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Delete(pendingKey(entry.RecipientID, seq))
	})
}

// IsDelivered reports the delivered flag of a queue entry.
func (s *Store) IsDelivered(seq uint64) (bool, error) {
	var delivered bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketQueue).Get(seqKey(seq))
		if raw == nil {
			return fmt.Errorf("queue entry %d not found", seq)
		}
		var entry domain.QueueEntry
		if err := cbor.Unmarshal(raw, &entry); err != nil {
			return err
		}
		delivered = entry.Delivered
		return nil
	})
	return delivered, err
}

// PendingEntry pairs a queue entry with its sequence number.
type PendingEntry struct {
	Seq   uint64
	Entry domain.QueueEntry
}

// PendingFor returns recipient's undelivered entries in enqueue order.
func (s *Store) PendingFor(recipient string) ([]PendingEntry, error) {
	var out []PendingEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		q := tx.Bucket(bucketQueue)
		c := tx.Bucket(bucketPending).Cursor()
		prefix := pendingPrefix(recipient)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			raw := q.Get(v)
			if raw == nil {
				continue
			}
			var entry domain.QueueEntry
			if err := cbor.Unmarshal(raw, &entry); err != nil {
				return err
			}
			out = append(out, PendingEntry{Seq: binary.BigEndian.Uint64(v), Entry: entry})
		}
		return nil
	})
	return out, err
}

// PendingDepths returns the undelivered queue depth overall and per
// recipient.
func (s *Store) PendingDepths() (int, map[string]int, error) {
	total := 0
	byRecipient := make(map[string]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, _ []byte) error {
			if i := indexByte(k, 0); i >= 0 {
				byRecipient[string(k[:i])]++
			}
			total++
			return nil
		})
	})
	return total, byRecipient, err
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func pendingPrefix(recipient string) []byte {
	return append([]byte(recipient), 0)
}

func pendingKey(recipient string, seq uint64) []byte {
	return append(pendingPrefix(recipient), seqKey(seq)...)
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
