package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRows    = []byte("rows")
	bucketIndexes = []byte("indexes")
)

// BoltBackend implements Backend on a single-host memory-mapped store.
// Rows live as JSON field maps in the rows bucket; each ordered index is a
// nested bucket under indexes, keyed by a byte-sortable score prefix plus
// the member, so cursor order equals (score, member) order.
type BoltBackend struct {
	name  string
	db    *bolt.DB
	notes *notifier

	// commitMu keeps publish order equal to commit order.
	commitMu sync.Mutex
}

// NewBoltBackend opens (or creates) the store under dataDir.
func NewBoltBackend(name, dataDir string) (*BoltBackend, error) {
	dbPath := filepath.Join(dataDir, "keystone.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRows, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltBackend{name: name, db: db, notes: newNotifier()}, nil
}

func (s *BoltBackend) Name() string { return s.name }

// Close closes the database and stops the notifier.
func (s *BoltBackend) Close() error {
	s.notes.Close()
	return s.db.Close()
}

func (s *BoltBackend) GetRow(ctx context.Context, key string) (map[string]string, error) {
	var fields map[string]string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRows).Get([]byte(key))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &fields)
	})
	return fields, err
}

func (s *BoltBackend) PutRow(ctx context.Context, key string, fields map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRows).Put([]byte(key), data)
	})
}

func (s *BoltBackend) DeletePrefix(ctx context.Context, prefix string) error {
	p := []byte(prefix)
	return s.db.Update(func(tx *bolt.Tx) error {
		rows := tx.Bucket(bucketRows)
		c := rows.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Seek(p) {
			if err := rows.Delete(k); err != nil {
				return err
			}
		}
		idx := tx.Bucket(bucketIndexes)
		var doomed [][]byte
		ic := idx.Cursor()
		for k, v := ic.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = ic.Next() {
			if v == nil {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}
		for _, name := range doomed {
			if err := idx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltBackend) Range(ctx context.Context, indexKey string, q RangeQuery) ([]Member, error) {
	var out []Member
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndexes).Bucket([]byte(indexKey))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		inRange := func(m Member) (ok, past bool) {
			if q.Lex {
				if m.Member < q.MinLex {
					return false, false
				}
				if q.MaxLex != "" && m.Member > q.MaxLex {
					return false, true
				}
				return true, false
			}
			if m.Score < q.Min {
				return false, false
			}
			if m.Score > q.Max {
				return false, true
			}
			return true, false
		}
		if q.Desc {
			for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
				m := decodeEntry(k)
				ok, past := inRange(m)
				if !ok {
					if past {
						continue // still above the window
					}
					break // below the window
				}
				out = append(out, m)
				if q.Limit > 0 && len(out) >= q.Limit {
					break
				}
			}
			return nil
		}
		var lo []byte
		if q.Lex {
			lo = entryKey(0, q.MinLex)
		} else {
			lo = encodeScore(q.Min)
		}
		for k, _ := c.Seek(lo); k != nil; k, _ = c.Next() {
			m := decodeEntry(k)
			ok, past := inRange(m)
			if past {
				break
			}
			if !ok {
				continue
			}
			out = append(out, m)
			if q.Limit > 0 && len(out) >= q.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltBackend) Commit(ctx context.Context, b *Bundle) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	removed := removedMembers(b.Ops)

	err := s.db.Update(func(tx *bolt.Tx) error {
		rows := tx.Bucket(bucketRows)
		idx := tx.Bucket(bucketIndexes)

		for _, check := range b.Checks {
			if err := s.evalCheck(rows, idx, check, removed); err != nil {
				return err
			}
		}

		for _, op := range b.Ops {
			switch op.Kind {
			case OpPutRow:
				data, err := json.Marshal(op.Fields)
				if err != nil {
					return err
				}
				if err := rows.Put([]byte(op.Key), data); err != nil {
					return err
				}
			case OpDelRow:
				if err := rows.Delete([]byte(op.Key)); err != nil {
					return err
				}
			case OpAddIndex:
				ib, err := idx.CreateBucketIfNotExists([]byte(op.Key))
				if err != nil {
					return err
				}
				if err := ib.Put(entryKey(op.Score, op.Member), nil); err != nil {
					return err
				}
			case OpDelIndex:
				if ib := idx.Bucket([]byte(op.Key)); ib != nil {
					if err := ib.Delete(entryKey(op.Score, op.Member)); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, note := range b.Notify {
		s.notes.Publish(&Change{
			Topic: note.Topic,
			Seq:   s.notes.NextSeq(b.Cluster),
			Rows:  note.Rows,
		})
	}
	return nil
}

func (s *BoltBackend) evalCheck(rows, idx *bolt.Bucket, check Check, removed map[string]map[string]bool) error {
	switch check.Kind {
	case CheckVersion:
		data := rows.Get([]byte(check.Key))
		if data == nil {
			return fmt.Errorf("%w: %s is gone", ErrRace, check.Key)
		}
		var fields map[string]string
		if err := json.Unmarshal(data, &fields); err != nil {
			return err
		}
		ver, _ := strconv.ParseUint(fields["_version"], 10, 64)
		if ver != check.Version {
			return fmt.Errorf("%w: %s at version %d, expected %d", ErrRace, check.Key, ver, check.Version)
		}
	case CheckNotExists:
		if rows.Get([]byte(check.Key)) != nil {
			return fmt.Errorf("%w: %s already exists", ErrRace, check.Key)
		}
	case CheckExists:
		if rows.Get([]byte(check.Key)) == nil {
			return fmt.Errorf("%w: %s is gone", ErrRace, check.Key)
		}
	case CheckUniqueFree:
		ib := idx.Bucket([]byte(check.IndexKey))
		if ib == nil {
			return nil
		}
		conflict := findConflict(ib, check, removed[check.IndexKey])
		if conflict != "" {
			return fmt.Errorf("%w: %s holds %s", ErrUnique, check.IndexKey, conflict)
		}
	}
	return nil
}

// findConflict scans the index bucket for a live member carrying the
// candidate value, ignoring the row's own member and members removed in
// the same bundle.
func findConflict(ib *bolt.Bucket, check Check, removed map[string]bool) string {
	c := ib.Cursor()
	if check.Numeric {
		lo := encodeScore(check.Score)
		for k, _ := c.Seek(lo); k != nil; k, _ = c.Next() {
			m := decodeEntry(k)
			if m.Score != check.Score {
				break
			}
			if m.Member == check.SelfID || removed[m.Member] {
				continue
			}
			return m.Member
		}
		return ""
	}
	lo := entryKey(0, check.Prefix)
	for k, _ := c.Seek(lo); k != nil; k, _ = c.Next() {
		m := decodeEntry(k)
		if !strings.HasPrefix(m.Member, check.Prefix) {
			break
		}
		if memberID(m.Member) == check.SelfID || removed[m.Member] {
			continue
		}
		return m.Member
	}
	return ""
}

// removedMembers collects, per index key, the members a bundle deletes.
// The unique precheck passes over these: members the bundle itself
// removes never conflict, so two rows may exchange unique values in one
// commit.
func removedMembers(ops []Op) map[string]map[string]bool {
	out := map[string]map[string]bool{}
	for _, op := range ops {
		if op.Kind != OpDelIndex {
			continue
		}
		if out[op.Key] == nil {
			out[op.Key] = map[string]bool{}
		}
		out[op.Key][op.Member] = true
	}
	return out
}

// memberID extracts the trailing row id of a "<value>:<id>" member.
func memberID(member string) string {
	i := strings.LastIndexByte(member, ':')
	if i < 0 {
		return member
	}
	return member[i+1:]
}

// encodeScore renders a float64 so byte order equals numeric order:
// positive values get the sign bit set, negative values are bit-inverted.
func encodeScore(score float64) []byte {
	bits := math.Float64bits(score)
	if score >= 0 {
		bits |= 1 << 63
	} else {
		bits = ^bits
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

func decodeScore(buf []byte) float64 {
	bits := binary.BigEndian.Uint64(buf)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func entryKey(score float64, member string) []byte {
	return append(encodeScore(score), member...)
}

func decodeEntry(k []byte) Member {
	return Member{
		Score:  decodeScore(k[:8]),
		Member: string(k[8:]),
	}
}

func (s *BoltBackend) Subscribe(topic string) (<-chan *Change, error) {
	return s.notes.Subscribe(topic), nil
}

func (s *BoltBackend) Unsubscribe(topic string, ch <-chan *Change) {
	s.notes.Unsubscribe(topic, ch)
}
