// Package types defines every cross‑package data structure used by reposnap.
package types

// ChangeKind classifies a filesystem change delivered by the watcher.
type ChangeKind string

const (
	ChangeKindCreate ChangeKind = "create"
	ChangeKindModify ChangeKind = "modify"
	ChangeKindRemove ChangeKind = "remove"
	ChangeKindOther  ChangeKind = "other"

	CommandTree       = "tree"
	CommandCountFile  = "count_file"
	CommandCountFiles = "count_files"
	CommandWatchStart = "watch_start"
	CommandWatchStop  = "watch_stop"
	CommandCacheClear = "cache_clear"
	CommandFilter     = "filter"

	// TokenCacheRecordKey names the persisted record that holds the token cache.
	TokenCacheRecordKey = "token_cache"
)

// TreeNode represents one filesystem entry of a workspace tree.
type TreeNode struct {
	Name         string      `json:"name"`
	Path         string      `json:"path"`
	IsDirectory  bool        `json:"isDirectory"`
	Children     []*TreeNode `json:"children,omitempty"`
	TokenCount   *int        `json:"tokenCount,omitempty"`
	LastModified *int64      `json:"lastModified,omitempty"`
}

// CacheEntry records the token count of a file at a given modification time.
type CacheEntry struct {
	Path       string `json:"path"`
	Modified   int64  `json:"modified"`
	TokenCount int    `json:"token_count"`
}

// ChangeEvent is a single coalesced filesystem change.
type ChangeEvent struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// ChangeBatch groups the events emitted after one debounce window.
type ChangeBatch struct {
	WatchID string        `json:"watchId"`
	Root    string        `json:"root"`
	Events  []ChangeEvent `json:"events"`
}

// IntPointer returns a pointer to a copy of value.
func IntPointer(value int) *int {
	pointer := value
	return &pointer
}

// Int64Pointer returns a pointer to a copy of value.
func Int64Pointer(value int64) *int64 {
	pointer := value
	return &pointer
}
