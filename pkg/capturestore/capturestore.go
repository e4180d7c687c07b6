// Package capturestore provides persistent storage for replay sessions.
//
// The store archives replay requests and the outcome of replaying them,
// keyed by ordering index. An archived request can be replayed again
// offline and its outcome compared against earlier runs, which is the
// regression-testing workflow replays exist for.
package capturestore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/gfx-replay/pkg/replayer"
)

var (
	// ErrRequestNotFound is returned when a session isn't archived.
	ErrRequestNotFound = errors.New("replay request not found")

	// ErrResultNotFound is returned when a session has no recorded result.
	ErrResultNotFound = errors.New("replay result not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("capture store closed")
)

// Bucket names for BoltDB.
var (
	// bucketRequests stores gob-encoded replay requests keyed by ordering index.
	bucketRequests = []byte("requests")

	// bucketResults stores gob-encoded replay results keyed by ordering index.
	bucketResults = []byte("results")
)

// Result records the outcome of one replay of an archived session.
type Result struct {
	// OrderingIndex identifies the session.
	OrderingIndex uint64

	// Success reports whether the whole instruction stream replayed.
	Success bool

	// StartedAt is when the replay began.
	StartedAt time.Time

	// Duration is how long the replay took.
	Duration time.Duration
}

// Config holds capture store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default capture store configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Store archives replay sessions in BoltDB.
type Store struct {
	db     *bolt.DB
	config Config
	closed bool
}

// Open opens or creates the capture store.
func Open(config Config) (*Store, error) {
	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open capture store: %w", err)
	}
	if !config.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, bucket := range [][]byte{bucketRequests, bucketResults} {
				if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create buckets: %w", err)
		}
	}
	return &Store{db: db, config: config}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// PutRequest archives a replay request under its ordering index.
func (s *Store) PutRequest(request *replayer.ReplayRequest) error {
	if s.closed {
		return ErrClosed
	}
	data, err := encode(request)
	if err != nil {
		return fmt.Errorf("encode request %d: %w", request.OrderingIndex, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).Put(indexKey(request.OrderingIndex), data)
	})
}

// GetRequest loads the archived replay request with the given ordering index.
func (s *Store) GetRequest(orderingIndex uint64) (*replayer.ReplayRequest, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var request replayer.ReplayRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get(indexKey(orderingIndex))
		if data == nil {
			return ErrRequestNotFound
		}
		return decode(data, &request)
	})
	if err != nil {
		return nil, err
	}
	return &request, nil
}

// HasRequest reports whether a session is archived.
func (s *Store) HasRequest(orderingIndex uint64) bool {
	if s.closed {
		return false
	}
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketRequests).Get(indexKey(orderingIndex)) != nil
		return nil
	})
	return found
}

// PutResult records the outcome of replaying a session, overwriting any
// earlier outcome for the same ordering index.
func (s *Store) PutResult(result *Result) error {
	if s.closed {
		return ErrClosed
	}
	data, err := encode(result)
	if err != nil {
		return fmt.Errorf("encode result %d: %w", result.OrderingIndex, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Put(indexKey(result.OrderingIndex), data)
	})
}

// GetResult loads the recorded outcome for a session.
func (s *Store) GetResult(orderingIndex uint64) (*Result, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var result Result
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResults).Get(indexKey(orderingIndex))
		if data == nil {
			return ErrResultNotFound
		}
		return decode(data, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Sessions returns the ordering indices of every archived request, in
// ascending order.
func (s *Store) Sessions() ([]uint64, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var indices []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			indices = append(indices, binary.BigEndian.Uint64(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return indices, nil
}

// indexKey encodes an ordering index big-endian so bucket iteration walks
// sessions in capture order.
func indexKey(orderingIndex uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], orderingIndex)
	return key[:]
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
