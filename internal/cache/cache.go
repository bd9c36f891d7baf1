// Package cache remembers per-file token counts keyed by path and modification
// time, persisted through a store.Store record.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/maypok86/otter"
	"go.uber.org/zap"

	"github.com/temirov/reposnap/internal/store"
	"github.com/temirov/reposnap/internal/types"
	"github.com/temirov/reposnap/internal/utils"
)

// DefaultCapacity bounds the number of cached files when Options.Capacity is unset.
const DefaultCapacity = 1000

// Options configures a TokenCache.
type Options struct {
	Capacity int
}

// TokenCache maps absolute file paths to token counts. An entry is only served
// while the file's modification time matches the one it was recorded with.
type TokenCache struct {
	mutex   sync.Mutex
	entries otter.Cache[string, types.CacheEntry]

	flushMutex sync.Mutex
	store      store.Store
	logger     *zap.Logger
}

// Load builds a cache and fills it from the persisted record. A missing record
// yields an empty cache. An undecodable record is deleted and the cache starts
// empty.
func Load(recordStore store.Store, options Options, logger *zap.Logger) (*TokenCache, error) {
	logger = utils.LoggerOrNop(logger)
	capacity := options.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, buildError := otter.MustBuilder[string, types.CacheEntry](capacity).Build()
	if buildError != nil {
		return nil, fmt.Errorf("build token cache: %w", buildError)
	}
	if recordStore == nil {
		recordStore = store.Memory()
	}
	tokenCache := &TokenCache{entries: entries, store: recordStore, logger: logger}

	payload, found, getError := recordStore.Get(types.TokenCacheRecordKey)
	if getError != nil {
		logger.Warn("token cache record unreadable, starting empty", zap.Error(getError))
		return tokenCache, nil
	}
	if !found {
		return tokenCache, nil
	}
	var persisted map[string]types.CacheEntry
	if decodeError := json.Unmarshal(payload, &persisted); decodeError != nil {
		logger.Warn("token cache record corrupt, discarding", zap.Error(decodeError))
		if deleteError := recordStore.Delete(types.TokenCacheRecordKey); deleteError != nil {
			logger.Warn("delete corrupt token cache record", zap.Error(deleteError))
		} else if saveError := recordStore.Save(); saveError != nil {
			logger.Warn("save store after discarding token cache", zap.Error(saveError))
		}
		return tokenCache, nil
	}
	for path, entry := range persisted {
		if path == "" {
			continue
		}
		entry.Path = path
		entries.Set(path, entry)
	}
	logger.Debug("token cache loaded", zap.Int("entries", entries.Size()))
	return tokenCache, nil
}

// Lookup returns the cached count for path when it was recorded at modified.
func (tokenCache *TokenCache) Lookup(path string, modified int64) (int, bool) {
	tokenCache.mutex.Lock()
	defer tokenCache.mutex.Unlock()
	entry, found := tokenCache.entries.Get(path)
	if !found || entry.Modified != modified {
		return 0, false
	}
	return entry.TokenCount, true
}

// Update records count for path at modified, replacing any previous entry.
func (tokenCache *TokenCache) Update(path string, modified int64, count int) {
	tokenCache.mutex.Lock()
	defer tokenCache.mutex.Unlock()
	tokenCache.entries.Set(path, types.CacheEntry{Path: path, Modified: modified, TokenCount: count})
}

// Len reports the number of cached entries.
func (tokenCache *TokenCache) Len() int {
	tokenCache.mutex.Lock()
	defer tokenCache.mutex.Unlock()
	return tokenCache.entries.Size()
}

// Flush persists a snapshot of the cache. Store I/O happens outside the cache lock.
func (tokenCache *TokenCache) Flush() error {
	tokenCache.flushMutex.Lock()
	defer tokenCache.flushMutex.Unlock()

	snapshot := tokenCache.snapshot()
	payload, marshalError := json.Marshal(snapshot)
	if marshalError != nil {
		return fmt.Errorf("encode token cache: %w", marshalError)
	}
	if setError := tokenCache.store.Set(types.TokenCacheRecordKey, payload); setError != nil {
		return fmt.Errorf("stage token cache: %w", setError)
	}
	if saveError := tokenCache.store.Save(); saveError != nil {
		return fmt.Errorf("save token cache: %w", saveError)
	}
	return nil
}

// Clear drops every entry and the persisted record.
func (tokenCache *TokenCache) Clear() error {
	tokenCache.flushMutex.Lock()
	defer tokenCache.flushMutex.Unlock()

	tokenCache.mutex.Lock()
	tokenCache.entries.Clear()
	tokenCache.mutex.Unlock()

	if deleteError := tokenCache.store.Delete(types.TokenCacheRecordKey); deleteError != nil {
		return fmt.Errorf("delete token cache record: %w", deleteError)
	}
	if saveError := tokenCache.store.Save(); saveError != nil {
		return fmt.Errorf("save token cache: %w", saveError)
	}
	return nil
}

// Close releases the in-memory cache. The store is owned by the caller.
func (tokenCache *TokenCache) Close() {
	tokenCache.entries.Close()
}

// snapshot copies the cache into the persisted layout: a flat mapping from
// absolute path to its entry.
func (tokenCache *TokenCache) snapshot() map[string]types.CacheEntry {
	tokenCache.mutex.Lock()
	defer tokenCache.mutex.Unlock()
	snapshot := make(map[string]types.CacheEntry, tokenCache.entries.Size())
	tokenCache.entries.Range(func(path string, entry types.CacheEntry) bool {
		snapshot[path] = entry
		return true
	})
	return snapshot
}
