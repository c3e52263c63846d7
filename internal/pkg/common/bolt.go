package common

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	ChallengesBucket            = "challenges"
	ChallengesBySquadBucket     = "challenges:by-squad"
	ChallengesActivePairBucket  = "challenges:active-pair"
	ChallengesDeadlinesBucket   = "challenges:deadlines"
	ChallengesIdempotencyBucket = "challenges:idempotency"

	LedgerSquadsBucket       = "ledger:squads"
	LedgerSquadTagsBucket    = "ledger:squad-tags"
	LedgerTransactionsBucket = "ledger:transactions"
	LedgerBySquadBucket      = "ledger:by-squad"
	LedgerOutcomesBucket     = "ledger:outcomes"

	EventsOutboxBucket = "events:outbox"
)

// KeySeparator joins the parts of composite index keys. Ids never contain it.
const KeySeparator = 0x00

var ErrBucketNotFound = errors.New("bucket doesn't exist")

type DatabaseService struct {
	DB *bolt.DB
}

func NewDatabaseService(i do.Injector) (*DatabaseService, error) {
	dataDir := do.MustInvokeNamed[string](i, "data-dir")

	err := os.MkdirAll(dataDir, 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create database path: %w", err)
	}

	return OpenDatabase(path.Join(dataDir, "standoff.db"))
}

// OpenDatabase opens (or creates) the database file and makes sure every
// bucket exists.
func OpenDatabase(dbPath string) (*DatabaseService, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{
			ChallengesBucket,
			ChallengesBySquadBucket,
			ChallengesActivePairBucket,
			ChallengesDeadlinesBucket,
			ChallengesIdempotencyBucket,
			LedgerSquadsBucket,
			LedgerSquadTagsBucket,
			LedgerTransactionsBucket,
			LedgerBySquadBucket,
			LedgerOutcomesBucket,
			EventsOutboxBucket,
		} {
			_, err := tx.CreateBucketIfNotExists([]byte(bucket))
			if err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to initialize database buckets: %w", err)
	}

	return &DatabaseService{
		DB: db,
	}, nil
}

func (s *DatabaseService) Shutdown() error {
	//nolint:wrapcheck
	return s.DB.Close()
}

// Bucket returns a bucket that OpenDatabase created.
func Bucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, name)
	}

	return b, nil
}

// GetJSON decodes the value stored under key. It reports false when the key
// is absent.
func GetJSON[T any](b *bolt.Bucket, key string) (*T, bool, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, false, nil
	}

	var v T

	err := json.Unmarshal(raw, &v)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode %q: %w", key, err)
	}

	return &v, true, nil
}

func PutJSON(b *bolt.Bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}

	err = b.Put([]byte(key), raw)
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}

	return nil
}

// CompositeKey joins parts with KeySeparator.
func CompositeKey(parts ...[]byte) []byte {
	return bytes.Join(parts, []byte{KeySeparator})
}

// Uint64ToBytes encodes big-endian so keys sort numerically.
func Uint64ToBytes(u uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, u)

	return buf
}

func BytesToUint64(b []byte, _default uint64) uint64 {
	if len(b) < 8 {
		return _default
	}

	return binary.BigEndian.Uint64(b)
}

// TimeToBytes encodes a timestamp as sortable big-endian unix nanoseconds.
func TimeToBytes(t time.Time) []byte {
	//nolint:gosec // Timestamps before 1970 never reach the database
	return Uint64ToBytes(uint64(t.UnixNano()))
}

func BytesToTime(b []byte) time.Time {
	//nolint:gosec // Intentional conversion from binary encoding
	return time.Unix(0, int64(BytesToUint64(b, 0))).UTC()
}
