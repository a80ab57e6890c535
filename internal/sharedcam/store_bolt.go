package sharedcam

import (
	"fmt"
	"os"
	"time"

	"sharedcam/internal/platform/jsonx"

	"go.etcd.io/bbolt"
)

var settingsBucket = []byte("streams")

// BoltStore is a Store backed by a BoltDB file. Each stream's settings are
// one JSON record keyed by stream name.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if needed) the settings database at path.
func OpenBoltStore(path string, mode os.FileMode) (*BoltStore, error) {
	if mode == 0 {
		mode = 0o600
	}
	db, err := bbolt.Open(path, mode, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(settingsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create settings bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Settings implements Store.Settings.
func (s *BoltStore) Settings(name string) (st Settings, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(settingsBucket).Get([]byte(name))
		if data == nil {
			return nil
		}
		ok = true
		return jsonx.Unmarshal(data, &st)
	})
	if err != nil {
		return Settings{}, false, fmt.Errorf("load settings for %q: %w", name, err)
	}
	return st, ok, nil
}

// SaveSettings implements Store.SaveSettings.
func (s *BoltStore) SaveSettings(name string, st Settings) error {
	data, err := jsonx.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(name), data)
	})
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
