package store

import (
	bolt "go.etcd.io/bbolt"
)

// GetSetting returns a raw string value from system_settings, or
// ("", false) if unset. Values survive a restart; the scoring weights
// and the sweep pause flag are held in ServerConfig, not here.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v != nil {
			val = string(v)
			ok = true
		}
		return nil
	})
	return val, ok, err
}

// PutSetting stores a raw string value in system_settings.
func (s *Store) PutSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// DeleteSetting removes a key from system_settings, reverting to the
// compiled-in default on next read.
func (s *Store) DeleteSetting(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Delete([]byte(key))
	})
}
