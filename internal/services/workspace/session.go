// Package workspace owns the long-lived state behind every reposnap operation:
// the token cache and its store, the lazily created tokenizer and the watcher.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/temirov/reposnap/internal/cache"
	"github.com/temirov/reposnap/internal/commands"
	"github.com/temirov/reposnap/internal/ignore"
	"github.com/temirov/reposnap/internal/services/tokens"
	"github.com/temirov/reposnap/internal/services/watch"
	"github.com/temirov/reposnap/internal/store"
	"github.com/temirov/reposnap/internal/tokenizer"
	"github.com/temirov/reposnap/internal/types"
	"github.com/temirov/reposnap/internal/utils"
)

const boltStoreFileName = "token-cache.db"

// Config holds the resolved settings of a session.
type Config struct {
	Model         string
	Concurrency   int
	CacheCapacity int
	CacheBackend  string
	// CachePath overrides the store location under the global reposnap directory.
	CachePath string
	Debounce  time.Duration
	Ignore    ignore.Options
	Rollup    bool
}

// CounterFactory creates the tokenizer used by a session.
type CounterFactory func(config tokenizer.Config) (tokenizer.Counter, string, error)

// Dependencies are optional collaborators. Zero values select the defaults.
type Dependencies struct {
	Logger         *zap.Logger
	Store          store.Store
	Emitter        watch.Emitter
	CounterFactory CounterFactory
}

// Session is safe for concurrent use.
type Session struct {
	config         Config
	logger         *zap.Logger
	store          store.Store
	ownsStore      bool
	tokenCache     *cache.TokenCache
	watcher        *watch.Watcher
	counterFactory CounterFactory

	counterMutex sync.Mutex
	counter      tokenizer.Counter
	modelName    string
	tokenService *tokens.Service
}

// New opens the store, loads the token cache and prepares a stopped watcher.
func New(config Config, dependencies Dependencies) (*Session, error) {
	logger := utils.LoggerOrNop(dependencies.Logger)

	recordStore := dependencies.Store
	ownsStore := false
	if recordStore == nil {
		storePath, pathError := resolveStorePath(config)
		if pathError != nil {
			return nil, pathError
		}
		opened, openError := store.Open(config.CacheBackend, storePath)
		if openError != nil {
			return nil, fmt.Errorf("open token cache store: %w", openError)
		}
		logger.Debug("token cache store opened", zap.String("backend", config.CacheBackend), zap.String("path", storePath))
		recordStore = opened
		ownsStore = true
	}

	tokenCache, cacheError := cache.Load(recordStore, cache.Options{Capacity: config.CacheCapacity}, logger)
	if cacheError != nil {
		if ownsStore {
			_ = recordStore.Close()
		}
		return nil, cacheError
	}

	counterFactory := dependencies.CounterFactory
	if counterFactory == nil {
		counterFactory = tokenizer.NewCounter
	}

	return &Session{
		config:         config,
		logger:         logger,
		store:          recordStore,
		ownsStore:      ownsStore,
		tokenCache:     tokenCache,
		counterFactory: counterFactory,
		watcher: watch.New(dependencies.Emitter, watch.Options{
			Debounce: config.Debounce,
			Ignore:   config.Ignore,
			Logger:   logger,
		}),
	}, nil
}

func resolveStorePath(config Config) (string, error) {
	if config.CachePath != "" {
		return config.CachePath, nil
	}
	if config.CacheBackend == store.BackendMemory {
		return "", nil
	}
	globalDirectory, directoryError := utils.GlobalDirectory()
	if directoryError != nil {
		return "", fmt.Errorf("locate reposnap directory: %w", directoryError)
	}
	fileName := utils.CacheStoreFileName
	if config.CacheBackend == store.BackendBolt {
		fileName = boltStoreFileName
	}
	return filepath.Join(globalDirectory, fileName), nil
}

// Counter returns the tokenizer, creating it on first use. A failed creation is
// retried on the next call.
func (session *Session) Counter() (tokenizer.Counter, string, error) {
	session.counterMutex.Lock()
	defer session.counterMutex.Unlock()
	if session.counter != nil {
		return session.counter, session.modelName, nil
	}
	counter, modelName, counterError := session.counterFactory(tokenizer.Config{Model: session.config.Model})
	if counterError != nil {
		return nil, "", fmt.Errorf("initialize tokenizer: %w", counterError)
	}
	session.counter = counter
	session.modelName = modelName
	session.tokenService = tokens.NewService(counter, session.tokenCache, tokens.Options{
		Concurrency: session.config.Concurrency,
		Logger:      session.logger,
	})
	session.logger.Debug("tokenizer ready", zap.String("model", modelName))
	return counter, modelName, nil
}

func (session *Session) tokens() (*tokens.Service, error) {
	if _, _, counterError := session.Counter(); counterError != nil {
		return nil, counterError
	}
	session.counterMutex.Lock()
	defer session.counterMutex.Unlock()
	return session.tokenService, nil
}

// Matcher builds the ignore matcher for rootDirectory with the session's options.
func (session *Session) Matcher(rootDirectory string) (*ignore.Matcher, error) {
	absoluteRoot, absoluteError := filepath.Abs(rootDirectory)
	if absoluteError != nil {
		return nil, fmt.Errorf("resolve %s: %w", rootDirectory, absoluteError)
	}
	return ignore.Build(absoluteRoot, session.config.Ignore, session.logger)
}

// TreeOptions adjusts a single GetTree call.
type TreeOptions struct {
	WithTokenCounts bool
	// Rollup overrides Config.Rollup when set.
	Rollup *bool
	// Uncached tokenizes every file instead of consulting the token cache.
	Uncached bool
}

// GetTree builds the tree for directory, annotating file token counts when
// withTokenCounts is set.
func (session *Session) GetTree(ctx context.Context, directory string, withTokenCounts bool) ([]*types.TreeNode, error) {
	return session.GetTreeWithOptions(ctx, directory, TreeOptions{WithTokenCounts: withTokenCounts})
}

// GetTreeWithOptions is GetTree with per-call overrides.
func (session *Session) GetTreeWithOptions(ctx context.Context, directory string, options TreeOptions) ([]*types.TreeNode, error) {
	matcher, matcherError := session.Matcher(directory)
	if matcherError != nil {
		return nil, matcherError
	}
	nodes, treeError := commands.GetTree(directory, matcher)
	if treeError != nil {
		return nil, treeError
	}
	if !options.WithTokenCounts {
		return nodes, nil
	}

	var batchCounter commands.BatchCounter
	if options.Uncached {
		counter, _, counterError := session.Counter()
		if counterError != nil {
			return nil, counterError
		}
		batchCounter = tokens.Uncached(counter, tokens.Options{Concurrency: session.config.Concurrency, Logger: session.logger})
	} else {
		service, serviceError := session.tokens()
		if serviceError != nil {
			return nil, serviceError
		}
		batchCounter = service
	}
	rollup := session.config.Rollup
	if options.Rollup != nil {
		rollup = *options.Rollup
	}
	commands.AnnotateTree(ctx, nodes, batchCounter, rollup)
	return nodes, nil
}

// FilterTree keeps only selectedPaths and their ancestors.
func (session *Session) FilterTree(nodes []*types.TreeNode, selectedPaths []string) []*types.TreeNode {
	return commands.FilterTree(nodes, selectedPaths)
}

// CountFileTokens counts one file through the token cache.
func (session *Session) CountFileTokens(ctx context.Context, path string) (int, error) {
	service, serviceError := session.tokens()
	if serviceError != nil {
		return 0, serviceError
	}
	absolutePath, absoluteError := filepath.Abs(path)
	if absoluteError != nil {
		return 0, fmt.Errorf("resolve %s: %w", path, absoluteError)
	}
	return service.CountFile(ctx, absolutePath)
}

// CountFilesTokens counts many files through the token cache. Keys of the
// result are the paths as given.
func (session *Session) CountFilesTokens(ctx context.Context, paths []string) (map[string]int, error) {
	service, serviceError := session.tokens()
	if serviceError != nil {
		return nil, serviceError
	}
	absoluteByInput := make(map[string]string, len(paths))
	absolutePaths := make([]string, 0, len(paths))
	for _, path := range paths {
		absolutePath, absoluteError := filepath.Abs(path)
		if absoluteError != nil {
			absolutePath = path
		}
		absoluteByInput[path] = absolutePath
		absolutePaths = append(absolutePaths, absolutePath)
	}
	counts := service.CountFiles(ctx, absolutePaths)
	results := make(map[string]int, len(absoluteByInput))
	for input, absolutePath := range absoluteByInput {
		results[input] = counts[absolutePath]
	}
	session.logger.Info("token batch counted", zap.Int("files", len(results)))
	return results, nil
}

// StartWatch replaces any running watch with one rooted at directory and
// returns its identifier.
func (session *Session) StartWatch(directory string) (string, error) {
	return session.watcher.Start(directory)
}

// StopWatch stops the running watch, if any.
func (session *Session) StopWatch() {
	session.watcher.Stop()
}

// ActiveWatch reports the running watch, if any.
func (session *Session) ActiveWatch() (string, string, bool) {
	return session.watcher.Active()
}

// ClearCache removes every cached token count, in memory and on disk.
func (session *Session) ClearCache() error {
	return session.tokenCache.Clear()
}

// CacheSize reports the number of cached token counts.
func (session *Session) CacheSize() int {
	return session.tokenCache.Len()
}

// Close stops watching and releases the cache and store.
func (session *Session) Close() error {
	session.watcher.Stop()
	flushError := session.tokenCache.Flush()
	session.tokenCache.Close()
	var closeError error
	if session.ownsStore {
		closeError = session.store.Close()
	}
	return errors.Join(flushError, closeError)
}
