// Package publish implements the versioned publish cache: writers stage a complete view
// under the next version and promote it in one step, readers always see a single version.
package publish

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	metaVersionKey = "meta:published_version"
	negativePrefix = "neg:"

	// DefaultRetainVersions is how many published versions are kept behind the current one.
	DefaultRetainVersions = 2
)

var (
	// ErrNotPublished is returned when the published version has no value for a key.
	ErrNotPublished = errors.New("not published")
	// ErrNoMarker is returned by GetNegative when no live negative marker exists.
	ErrNoMarker = errors.New("no negative marker")
)

// Marker is a negative-cache entry recording that an upstream lookup failed.
type Marker struct {
	CreatedAt time.Time `msgpack:"created_at" json:"created_at"`
	Message   string    `msgpack:"message" json:"message"`
	Status    int       `msgpack:"status" json:"status"`
}

// StoreOptions tunes a Store.
type StoreOptions struct {
	RetainVersions int
}

// Store is the badger-backed versioned cache.
type Store struct {
	db     *badger.DB
	log    zerolog.Logger
	retain uint64

	// serializes Stage, Promote and ClearNamespace
	mu sync.Mutex
}

// NewStore wraps an open badger database.
func NewStore(db *badger.DB, opts StoreOptions, log zerolog.Logger) *Store {
	retain := opts.RetainVersions
	if retain <= 0 {
		retain = DefaultRetainVersions
	}
	return &Store{
		db:     db,
		log:    log.With().Str("component", "publish_store").Logger(),
		retain: uint64(retain),
	}
}

func versionedKey(version uint64, baseKey string) []byte {
	return []byte("v" + strconv.FormatUint(version, 10) + ":" + baseKey)
}

func negativeKey(version uint64, baseKey string) []byte {
	return versionedKey(version, negativePrefix+baseKey)
}

// parseKey splits "v{n}:{rest}" into n and rest.
func parseKey(key []byte) (uint64, string, bool) {
	s := string(key)
	if !strings.HasPrefix(s, "v") {
		return 0, "", false
	}
	idx := strings.IndexByte(s, ':')
	if idx < 2 {
		return 0, "", false
	}
	v, err := strconv.ParseUint(s[1:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return v, s[idx+1:], true
}

func readVersion(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(metaVersionKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		parsed, perr := strconv.ParseUint(string(val), 10, 64)
		v = parsed
		return perr
	})
	return v, err
}

// PublishedVersion returns the current published version; 0 means nothing is published.
func (s *Store) PublishedVersion(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var v uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = readVersion(txn)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read published version: %w", err)
	}
	return v, nil
}

// Stage writes value under the working version (published+1). It stays invisible until
// Promote.
func (s *Store) Stage(ctx context.Context, baseKey string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", baseKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		pub, err := readVersion(txn)
		if err != nil {
			return err
		}
		return txn.Set(versionedKey(pub+1, baseKey), data)
	})
}

// Promote publishes the working version. Keys of the previous version that were not
// restaged are carried forward, along with live negative markers and their remaining TTL,
// so every published version is a complete view. Versions older than the retention window
// are pruned afterwards.
func (s *Store) Promote(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var next uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		pub, err := readVersion(txn)
		if err != nil {
			return err
		}
		next = pub + 1

		entries, err := s.carryForward(txn, pub, next)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := txn.SetEntry(e); err != nil {
				return err
			}
		}
		return txn.Set([]byte(metaVersionKey), []byte(strconv.FormatUint(next, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to promote version: %w", err)
	}

	if next > s.retain {
		if n, err := s.pruneBelow(next - s.retain); err != nil {
			s.log.Warn().Err(err).Uint64("version", next).Msg("Failed to prune old versions")
		} else if n > 0 {
			s.log.Debug().Int("keys", n).Uint64("version", next).Msg("Pruned old versions")
		}
	}

	s.log.Debug().Uint64("version", next).Msg("Version promoted")
	return next, nil
}

func (s *Store) carryForward(txn *badger.Txn, from, to uint64) ([]*badger.Entry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte("v" + strconv.FormatUint(from, 10) + ":")
	it := txn.NewIterator(opts)
	defer it.Close()

	now := uint64(time.Now().Unix())
	var entries []*badger.Entry
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		_, rest, ok := parseKey(item.Key())
		if !ok {
			continue
		}
		target := versionedKey(to, rest)
		if _, err := txn.Get(target); err == nil {
			continue
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return nil, err
		}

		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		e := badger.NewEntry(target, val)
		if exp := item.ExpiresAt(); exp > 0 {
			if exp <= now {
				continue
			}
			e = e.WithTTL(time.Duration(exp-now) * time.Second)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// deleteMatching removes every versioned key for which match returns true.
func (s *Store) deleteMatching(match func(version uint64, rest string) bool) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("v")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			v, rest, ok := parseKey(key)
			if ok && match(v, rest) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *Store) pruneBelow(cutoff uint64) (int, error) {
	return s.deleteMatching(func(v uint64, _ string) bool { return v < cutoff })
}

// Get decodes the published value for baseKey into dst and returns the version it was
// read from. The version and the value come from one read transaction.
func (s *Store) Get(ctx context.Context, baseKey string, dst interface{}) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var version uint64
	err := s.db.View(func(txn *badger.Txn) error {
		pub, err := readVersion(txn)
		if err != nil {
			return err
		}
		if pub == 0 {
			return ErrNotPublished
		}
		version = pub

		item, err := txn.Get(versionedKey(pub, baseKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotPublished
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, dst)
		})
	})
	if errors.Is(err, ErrNotPublished) {
		return 0, ErrNotPublished
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", baseKey, err)
	}
	return version, nil
}

// SetNegative stores a short-lived failure marker for baseKey under the published version.
func (s *Store) SetNegative(ctx context.Context, baseKey string, marker Marker, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("negative marker TTL must be positive, got %s", ttl)
	}
	if marker.CreatedAt.IsZero() {
		marker.CreatedAt = time.Now().UTC()
	}
	data, err := msgpack.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to encode marker: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		pub, err := readVersion(txn)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(negativeKey(pub, baseKey), data).WithTTL(ttl))
	})
}

// GetNegative returns the live negative marker for baseKey, or ErrNoMarker.
func (s *Store) GetNegative(ctx context.Context, baseKey string) (*Marker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var marker Marker
	err := s.db.View(func(txn *badger.Txn) error {
		pub, err := readVersion(txn)
		if err != nil {
			return err
		}
		item, err := txn.Get(negativeKey(pub, baseKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoMarker
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &marker)
		})
	})
	if errors.Is(err, ErrNoMarker) {
		return nil, ErrNoMarker
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read negative marker %s: %w", baseKey, err)
	}
	return &marker, nil
}

// ClearNamespace deletes every version of each key whose base key matches the glob
// pattern, positive and negative entries alike. It returns the number of entries removed.
func (s *Store) ClearNamespace(ctx context.Context, pattern string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.deleteMatching(func(_ uint64, rest string) bool {
		base := strings.TrimPrefix(rest, negativePrefix)
		ok, _ := path.Match(pattern, base)
		return ok
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear %q: %w", pattern, err)
	}
	s.log.Info().Str("pattern", pattern).Int("removed", n).Msg("Cache namespace cleared")
	return n, nil
}

// RunGC reclaims value-log space. It is a no-op for in-memory stores.
func (s *Store) RunGC(discardRatio float64) error {
	for {
		err := s.db.RunValueLogGC(discardRatio)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return nil
		default:
			return fmt.Errorf("value log GC failed: %w", err)
		}
	}
}
