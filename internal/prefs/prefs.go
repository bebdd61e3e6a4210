// Package prefs is the preference store: install-wide policy values such as
// the maximum upload size and the split image resolution per display tier,
// kept in a bolt file so they can be changed without a restart.
package prefs

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/dustin/go-humanize"
)

var (
	policyBucket = []byte("policy")
	dpiBucket    = []byte("dpi")

	maxDataSizeKey = []byte("max_data_size")
)

// Default display tiers.
const (
	TierSmall = "small"
	TierLarge = "large"
)

// Store is the preference store.
type Store struct {
	db       *bolt.DB
	defaults Defaults
}

// Defaults are returned for preferences that were never set.
type Defaults struct {
	MaxDataSize uint64
	DPI         map[string]int
}

// Open opens or creates the store at path.
func Open(path string, defaults Defaults) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("prefs: failed to open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{policyBucket, dpiBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating %s bucket: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: failed to initialize: %w", err)
	}
	return &Store{db: db, defaults: defaults}, nil
}

// Close syncs and closes the underlying bolt file.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return fmt.Errorf("prefs: failed to sync: %w", err)
	}
	return s.db.Close()
}

// MaxDataSize returns the largest accepted decompressed upload in bytes.
// Zero means no limit.
func (s *Store) MaxDataSize() (uint64, error) {
	var n uint64
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(policyBucket).Get(maxDataSizeKey); len(v) == 8 {
			n, found = binary.BigEndian.Uint64(v), true
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prefs: failed to read max_data_size: %w", err)
	}
	if !found {
		return s.defaults.MaxDataSize, nil
	}
	return n, nil
}

// SetMaxDataSize stores the upload limit in bytes.
func (s *Store) SetMaxDataSize(n uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, n)
		return tx.Bucket(policyBucket).Put(maxDataSizeKey, v)
	})
}

// SetMaxDataSizeString parses a human size such as "100 MiB".
func (s *Store) SetMaxDataSizeString(size string) error {
	n, err := humanize.ParseBytes(size)
	if err != nil {
		return fmt.Errorf("prefs: invalid size %q: %w", size, err)
	}
	return s.SetMaxDataSize(n)
}

// DPI returns the split image resolution for a display tier. Unknown tiers
// fall back to the small tier.
func (s *Store) DPI(tier string) (int, error) {
	var dpi int
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(dpiBucket).Get([]byte(tier)); len(v) == 8 {
			dpi = int(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prefs: failed to read dpi: %w", err)
	}
	if dpi > 0 {
		return dpi, nil
	}
	if d, ok := s.defaults.DPI[tier]; ok {
		return d, nil
	}
	if tier != TierSmall {
		return s.DPI(TierSmall)
	}
	return 50, nil
}

// SetDPI stores the resolution of a display tier.
func (s *Store) SetDPI(tier string, dpi int) error {
	if dpi <= 0 {
		return fmt.Errorf("prefs: dpi must be positive, got %d", dpi)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, uint64(dpi))
		return tx.Bucket(dpiBucket).Put([]byte(tier), v)
	})
}

// Tiers lists every tier with a stored or default resolution.
func (s *Store) Tiers() ([]string, error) {
	set := make(map[string]struct{})
	for t := range s.defaults.DPI {
		set[t] = struct{}{}
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dpiBucket).ForEach(func(k, _ []byte) error {
			set[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("prefs: failed to list tiers: %w", err)
	}
	tiers := make([]string, 0, len(set))
	for t := range set {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	return tiers, nil
}

// DescribeLimit renders the upload limit for messages, e.g. "64 MiB".
func DescribeLimit(n uint64) string {
	if n == 0 {
		return "unlimited"
	}
	return humanize.IBytes(n)
}
