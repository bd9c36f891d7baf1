package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const boltOpenTimeout = time.Second

var recordsBucketName = []byte("records")

type boltStore struct {
	database *bolt.DB

	mutex   sync.Mutex
	pending map[string][]byte
	deleted map[string]struct{}
}

// OpenBolt opens (or creates) a bbolt database at path. Set and Delete are
// staged in memory and committed by Save in one transaction.
func OpenBolt(path string) (Store, error) {
	if mkdirError := os.MkdirAll(filepath.Dir(path), directoryStorePermissions); mkdirError != nil {
		return nil, fmt.Errorf("create store directory: %w", mkdirError)
	}
	database, openError := bolt.Open(path, fileStorePermissions, &bolt.Options{Timeout: boltOpenTimeout})
	if openError != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, openError)
	}
	bucketError := database.Update(func(transaction *bolt.Tx) error {
		_, createError := transaction.CreateBucketIfNotExists(recordsBucketName)
		return createError
	})
	if bucketError != nil {
		_ = database.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", bucketError)
	}
	return &boltStore{
		database: database,
		pending:  make(map[string][]byte),
		deleted:  make(map[string]struct{}),
	}, nil
}

func (store *boltStore) Get(key string) ([]byte, bool, error) {
	store.mutex.Lock()
	if value, staged := store.pending[key]; staged {
		store.mutex.Unlock()
		return cloneBytes(value), true, nil
	}
	if _, removed := store.deleted[key]; removed {
		store.mutex.Unlock()
		return nil, false, nil
	}
	store.mutex.Unlock()

	var value []byte
	viewError := store.database.View(func(transaction *bolt.Tx) error {
		bucket := transaction.Bucket(recordsBucketName)
		if bucket == nil {
			return nil
		}
		value = cloneBytes(bucket.Get([]byte(key)))
		return nil
	})
	if viewError != nil {
		return nil, false, viewError
	}
	return value, value != nil, nil
}

func (store *boltStore) Set(key string, value []byte) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.deleted, key)
	stored := cloneBytes(value)
	if stored == nil {
		stored = []byte{}
	}
	store.pending[key] = stored
	return nil
}

func (store *boltStore) Delete(key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.pending, key)
	store.deleted[key] = struct{}{}
	return nil
}

func (store *boltStore) Save() error {
	store.mutex.Lock()
	pending := store.pending
	deleted := store.deleted
	store.pending = make(map[string][]byte)
	store.deleted = make(map[string]struct{})
	store.mutex.Unlock()

	if len(pending) == 0 && len(deleted) == 0 {
		return nil
	}
	commitError := store.database.Update(func(transaction *bolt.Tx) error {
		bucket, bucketError := transaction.CreateBucketIfNotExists(recordsBucketName)
		if bucketError != nil {
			return bucketError
		}
		for key := range deleted {
			if deleteError := bucket.Delete([]byte(key)); deleteError != nil {
				return deleteError
			}
		}
		for key, value := range pending {
			if putError := bucket.Put([]byte(key), value); putError != nil {
				return putError
			}
		}
		return nil
	})
	if commitError != nil {
		store.restage(pending, deleted)
		return fmt.Errorf("commit bolt store: %w", commitError)
	}
	return nil
}

// restage puts uncommitted changes back unless newer ones replaced them.
func (store *boltStore) restage(pending map[string][]byte, deleted map[string]struct{}) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for key, value := range pending {
		_, newerWrite := store.pending[key]
		_, newerDelete := store.deleted[key]
		if !newerWrite && !newerDelete {
			store.pending[key] = value
		}
	}
	for key := range deleted {
		_, newerWrite := store.pending[key]
		if !newerWrite {
			store.deleted[key] = struct{}{}
		}
	}
}

func (store *boltStore) Close() error {
	return store.database.Close()
}
