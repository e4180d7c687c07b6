package resource

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/gfx-replay/internal/logging"
	"github.com/fortiblox/gfx-replay/internal/types"
)

// prefixResource is the key prefix for cached resource payloads.
// Key format: prefixResource + resource id (32 bytes).
var prefixResource = []byte{0x01}

// DiskCacheConfig contains configuration for the BadgerDB disk cache.
type DiskCacheConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk. Off by default; a lost
	// cache entry is just a future miss.
	SyncWrites bool

	// Scheme is the hash scheme used to verify cached payloads.
	Scheme types.HashScheme

	// Logger receives badger's own log output. Nil disables it.
	Logger badger.Logger
}

// DefaultDiskCacheConfig returns default configuration.
func DefaultDiskCacheConfig(path string) DiskCacheConfig {
	return DiskCacheConfig{
		Path:       path,
		SyncWrites: false,
		Scheme:     types.HashBlake3,
	}
}

// DiskCache is a persistent resource cache backed by BadgerDB, layered
// over a fallback provider. Payloads are zstd-compressed at rest and
// verified against their content hash on load; a corrupt entry is treated
// as a miss and re-fetched.
type DiskCache struct {
	db       *badger.DB
	scheme   types.HashScheme
	fallback Provider
	log      *logging.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewDiskCache opens the cache database over the fallback provider.
func NewDiskCache(config DiskCacheConfig, fallback Provider, log *logging.Logger) (*DiskCache, error) {
	if log == nil {
		log = logging.Default()
	}
	opts := badger.DefaultOptions(config.Path).
		WithInMemory(config.InMemory).
		WithSyncWrites(config.SyncWrites).
		WithLogger(config.Logger)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open disk cache: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &DiskCache{
		db:       db,
		scheme:   config.Scheme,
		fallback: fallback,
		log:      log,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// Close closes the cache database.
func (c *DiskCache) Close() error {
	return c.db.Close()
}

// Get implements Provider.
func (c *DiskCache) Get(resources []Resource, conn Fetcher, dst []byte) error {
	if err := checkDestination(resources, dst); err != nil {
		return err
	}
	offset := 0
	for _, res := range resources {
		span := dst[offset : offset+int(res.Size)]
		data, err := c.load(res.ID)
		if err == nil && uint32(len(data)) == res.Size {
			copy(span, data)
		} else {
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				c.log.Warningf("disk cache: %s: %v", res.ID, err)
			}
			if err := c.fallback.Get([]Resource{res}, conn, span); err != nil {
				return err
			}
			c.store(res.ID, span)
		}
		offset += int(res.Size)
	}
	return nil
}

// Prefetch implements Provider. Disk capacity is not bounded by the
// volatile-memory budget, so the budget only limits how much is pulled
// over the transport in one warm-up.
func (c *DiskCache) Prefetch(resources []Resource, conn Fetcher, budget uint64) {
	var spent uint64
	for _, res := range resources {
		if _, err := c.load(res.ID); err == nil {
			continue
		}
		size := uint64(res.Size)
		if spent+size > budget {
			break
		}
		spent += size
		buf := make([]byte, res.Size)
		if err := c.fallback.Get([]Resource{res}, conn, buf); err != nil {
			c.log.Warningf("disk prefetch abandoned at %s: %v", res.ID, err)
			return
		}
		c.store(res.ID, buf)
	}
}

func key(id types.ResourceID) []byte {
	return append(append([]byte{}, prefixResource...), id[:]...)
}

// load reads and verifies one cached payload.
func (c *DiskCache) load(id types.ResourceID) ([]byte, error) {
	var compressed []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	data, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		c.drop(id)
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}
	if !id.Verify(c.scheme, data) {
		c.drop(id)
		return nil, fmt.Errorf("corrupt cache entry: %s hash mismatch", id)
	}
	return data, nil
}

// store writes one payload, compressed. Failures only cost a future miss.
func (c *DiskCache) store(id types.ResourceID, data []byte) {
	compressed := c.encoder.EncodeAll(data, nil)
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(id), compressed)
	})
	if err != nil {
		c.log.Warningf("disk cache store %s: %v", id, err)
	}
}

func (c *DiskCache) drop(id types.ResourceID) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		c.log.Warningf("disk cache drop %s: %v", id, err)
	}
}
