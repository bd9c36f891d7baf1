// Package watch turns raw filesystem notifications under a workspace root into
// debounced, ignore-filtered change batches.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/temirov/reposnap/internal/ignore"
	"github.com/temirov/reposnap/internal/types"
	"github.com/temirov/reposnap/internal/utils"
)

const (
	// DefaultDebounce is the quiet period that must elapse before a batch is emitted.
	DefaultDebounce = 500 * time.Millisecond
	pollDivisor     = 5
)

var (
	// ErrNotFound reports a watch root that does not exist.
	ErrNotFound = errors.New("watch root does not exist")
	// ErrNotDirectory reports a watch root that is not a directory.
	ErrNotDirectory = errors.New("watch root is not a directory")
)

// Emitter receives coalesced change batches. Emit is called from the debounce
// goroutine and should return promptly.
type Emitter interface {
	Emit(batch types.ChangeBatch)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(batch types.ChangeBatch)

// Emit calls emitterFunc(batch).
func (emitterFunc EmitterFunc) Emit(batch types.ChangeBatch) {
	emitterFunc(batch)
}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Ignore   ignore.Options
	Logger   *zap.Logger
}

// Watcher owns at most one active subscription. Starting a new watch replaces
// the previous one.
type Watcher struct {
	mutex        sync.Mutex
	emitter      Emitter
	options      Options
	logger       *zap.Logger
	subscription *subscription
}

// New returns a stopped Watcher. A nil emitter drops every batch.
func New(emitter Emitter, options Options) *Watcher {
	if options.Debounce <= 0 {
		options.Debounce = DefaultDebounce
	}
	return &Watcher{
		emitter: emitter,
		options: options,
		logger:  utils.LoggerOrNop(options.Logger),
	}
}

// Start watches rootDirectory recursively and returns the new watch identifier.
// A running watch is stopped first; its pending changes are emitted under the
// old identifier before the new subscription starts.
func (watcher *Watcher) Start(rootDirectory string) (string, error) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()

	if watcher.subscription != nil {
		watcher.subscription.stop()
		watcher.subscription = nil
	}
	created, startError := startSubscription(rootDirectory, watcher.emitter, watcher.options, watcher.logger)
	if startError != nil {
		return "", startError
	}
	watcher.subscription = created
	watcher.logger.Info("watch started", zap.String("root", created.root), zap.String("watch_id", created.id))
	return created.id, nil
}

// Stop ends the active subscription, if any. Pending changes are emitted
// immediately instead of waiting for the debounce window.
func (watcher *Watcher) Stop() {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.subscription == nil {
		return
	}
	watcher.subscription.stop()
	watcher.logger.Info("watch stopped", zap.String("root", watcher.subscription.root), zap.String("watch_id", watcher.subscription.id))
	watcher.subscription = nil
}

// Active reports the identifier and root of the running subscription.
func (watcher *Watcher) Active() (string, string, bool) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.subscription == nil {
		return "", "", false
	}
	return watcher.subscription.id, watcher.subscription.root, true
}

type subscription struct {
	id        string
	root      string
	matcher   *ignore.Matcher
	fsWatcher *fsnotify.Watcher
	emitter   Emitter
	window    time.Duration
	logger    *zap.Logger
	now       func() time.Time

	ctx          context.Context
	cancel       context.CancelFunc
	loopDone     chan struct{}
	debounceDone sync.WaitGroup

	stateMutex   sync.Mutex
	lastEvent    time.Time
	pending      map[string]types.ChangeKind
	timerRunning bool
	stopped      bool

	directoriesMutex   sync.Mutex
	watchedDirectories map[string]struct{}
}

func startSubscription(rootDirectory string, emitter Emitter, options Options, logger *zap.Logger) (*subscription, error) {
	absoluteRoot, absoluteError := filepath.Abs(rootDirectory)
	if absoluteError != nil {
		return nil, fmt.Errorf("resolve watch root %s: %w", rootDirectory, absoluteError)
	}
	rootInfo, statError := os.Stat(absoluteRoot)
	if statError != nil {
		if errors.Is(statError, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, absoluteRoot)
		}
		return nil, fmt.Errorf("stat watch root %s: %w", absoluteRoot, statError)
	}
	if !rootInfo.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, absoluteRoot)
	}

	matcher, matcherError := ignore.Build(absoluteRoot, options.Ignore, logger)
	if matcherError != nil {
		return nil, matcherError
	}
	fsWatcher, watcherError := fsnotify.NewWatcher()
	if watcherError != nil {
		return nil, fmt.Errorf("create filesystem watcher: %w", watcherError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	created := &subscription{
		id:                 uuid.NewString(),
		root:               absoluteRoot,
		matcher:            matcher,
		fsWatcher:          fsWatcher,
		emitter:            emitter,
		window:             options.Debounce,
		logger:             logger,
		now:                time.Now,
		ctx:                ctx,
		cancel:             cancel,
		loopDone:           make(chan struct{}),
		pending:            make(map[string]types.ChangeKind),
		watchedDirectories: make(map[string]struct{}),
	}
	if addError := created.addDirectoriesRecursively(absoluteRoot); addError != nil {
		cancel()
		_ = fsWatcher.Close()
		return nil, addError
	}
	go created.loop()
	return created, nil
}

// addDirectoriesRecursively registers directory and every non-ignored directory
// below it. Only a failure on directory itself is returned.
func (sub *subscription) addDirectoriesRecursively(directory string) error {
	return filepath.WalkDir(directory, func(path string, entry fs.DirEntry, walkError error) error {
		if walkError != nil {
			if path == directory {
				return walkError
			}
			sub.logger.Warn("skipping unreadable directory", zap.String("path", path), zap.Error(walkError))
			return filepath.SkipDir
		}
		if !entry.IsDir() {
			return nil
		}
		relativePath := utils.RelativePathOrSelf(path, sub.root)
		if path != sub.root && sub.matcher.IsIgnored(relativePath, true) {
			return filepath.SkipDir
		}
		if addError := sub.fsWatcher.Add(path); addError != nil {
			if path == directory {
				return fmt.Errorf("watch %s: %w", path, addError)
			}
			sub.logger.Warn("failed to watch directory", zap.String("path", path), zap.Error(addError))
			return filepath.SkipDir
		}
		sub.directoriesMutex.Lock()
		sub.watchedDirectories[path] = struct{}{}
		sub.directoriesMutex.Unlock()
		return nil
	})
}

func (sub *subscription) loop() {
	defer close(sub.loopDone)
	for {
		select {
		case <-sub.ctx.Done():
			return
		case event, ok := <-sub.fsWatcher.Events:
			if !ok {
				return
			}
			sub.handleEvent(event)
		case watchError, ok := <-sub.fsWatcher.Errors:
			if !ok {
				return
			}
			sub.logger.Warn("filesystem watcher error", zap.String("root", sub.root), zap.Error(watchError))
		}
	}
}

func (sub *subscription) handleEvent(event fsnotify.Event) {
	absolutePath := filepath.Clean(event.Name)
	relativePath := utils.RelativePathOrSelf(absolutePath, sub.root)
	if relativePath == "." || relativePath == ".." || strings.HasPrefix(relativePath, "../") || filepath.IsAbs(relativePath) {
		return
	}

	isDirectory := sub.isDirectory(absolutePath)
	ignored := sub.matcher.IsIgnored(relativePath, isDirectory)

	switch {
	case event.Has(fsnotify.Create):
		if isDirectory && !ignored {
			if addError := sub.addDirectoriesRecursively(absolutePath); addError != nil {
				sub.logger.Warn("failed to watch new directory", zap.String("path", absolutePath), zap.Error(addError))
			}
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		sub.forgetDirectory(absolutePath)
	}

	if ignored {
		return
	}
	sub.record(absolutePath, kindForOp(event.Op))
}

// isDirectory stats path, falling back to the watched set for paths that no longer exist.
func (sub *subscription) isDirectory(path string) bool {
	if info, statError := os.Lstat(path); statError == nil {
		return info.IsDir()
	}
	sub.directoriesMutex.Lock()
	defer sub.directoriesMutex.Unlock()
	_, watched := sub.watchedDirectories[path]
	return watched
}

func (sub *subscription) forgetDirectory(path string) {
	prefix := path + string(filepath.Separator)
	sub.directoriesMutex.Lock()
	defer sub.directoriesMutex.Unlock()
	for directory := range sub.watchedDirectories {
		if directory == path || strings.HasPrefix(directory, prefix) {
			delete(sub.watchedDirectories, directory)
		}
	}
}

func kindForOp(op fsnotify.Op) types.ChangeKind {
	switch {
	case op.Has(fsnotify.Create):
		return types.ChangeKindCreate
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return types.ChangeKindRemove
	case op.Has(fsnotify.Write), op.Has(fsnotify.Chmod):
		return types.ChangeKindModify
	default:
		return types.ChangeKindOther
	}
}

// record merges one change into the pending set and makes sure a debounce
// goroutine is running.
func (sub *subscription) record(path string, kind types.ChangeKind) {
	sub.stateMutex.Lock()
	defer sub.stateMutex.Unlock()
	if sub.stopped {
		return
	}
	sub.pending[path] = kind
	sub.lastEvent = sub.now()
	if sub.timerRunning {
		return
	}
	sub.timerRunning = true
	sub.debounceDone.Add(1)
	go sub.debounce()
}

func (sub *subscription) debounce() {
	defer sub.debounceDone.Done()
	pollInterval := sub.window / pollDivisor
	if pollInterval <= 0 {
		pollInterval = time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.ctx.Done():
			sub.stateMutex.Lock()
			pending := sub.pending
			sub.pending = make(map[string]types.ChangeKind)
			sub.timerRunning = false
			sub.stateMutex.Unlock()
			sub.emit(pending)
			return
		case <-ticker.C:
			sub.stateMutex.Lock()
			if sub.now().Sub(sub.lastEvent) < sub.window {
				sub.stateMutex.Unlock()
				continue
			}
			pending := sub.pending
			sub.pending = make(map[string]types.ChangeKind)
			sub.timerRunning = false
			sub.stateMutex.Unlock()
			sub.emit(pending)
			return
		}
	}
}

func (sub *subscription) emit(pending map[string]types.ChangeKind) {
	if len(pending) == 0 {
		return
	}
	if sub.emitter == nil {
		sub.logger.Debug("dropping change batch without listener", zap.Int("events", len(pending)))
		return
	}
	events := make([]types.ChangeEvent, 0, len(pending))
	for path, kind := range pending {
		events = append(events, types.ChangeEvent{Path: path, Kind: kind})
	}
	sort.Slice(events, func(left, right int) bool {
		return events[left].Path < events[right].Path
	})
	sub.emitter.Emit(types.ChangeBatch{WatchID: sub.id, Root: sub.root, Events: events})
}

func (sub *subscription) stop() {
	sub.stateMutex.Lock()
	if sub.stopped {
		sub.stateMutex.Unlock()
		return
	}
	sub.stopped = true
	sub.stateMutex.Unlock()

	sub.cancel()
	if closeError := sub.fsWatcher.Close(); closeError != nil {
		sub.logger.Warn("closing filesystem watcher", zap.Error(closeError))
	}
	<-sub.loopDone
	sub.debounceDone.Wait()
}
