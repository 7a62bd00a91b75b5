package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"shelly-go-home/internal/device"
)

var (
	bucketDevices  = []byte("devices")
	bucketSettings = []byte("settings")
	keySettings    = []byte("runtime")
)

// BoltStore implements Store using BoltDB. Records are keyed by device id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveDevice(rec *device.Record) error {
	if rec.DeviceID == "" {
		return fmt.Errorf("save device: empty device id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx.Bucket(bucketDevices), rec)
	})
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListDevices() ([]*device.Record, error) {
	var records []*device.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		records = make([]*device.Record, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec device.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode device %s: %w", k, err)
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) SaveSettings(st *Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSettings).Put(keySettings, data)
	})
}

func (s *BoltStore) GetSettings() (*Settings, error) {
	var st Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get(keySettings)
		if data == nil {
			return fmt.Errorf("settings: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putRecord(b *bolt.Bucket, rec *device.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.DeviceID), data)
}
