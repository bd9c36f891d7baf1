// Package tokens counts file tokens through the token cache, fanning batch
// requests out across a bounded worker group.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/reposnap/internal/tokenizer"
	"github.com/temirov/reposnap/internal/utils"
)

// ErrFileMissing reports a path that does not name an existing regular file.
var ErrFileMissing = errors.New("file not found")

// Cache is the subset of cache.TokenCache used for counting.
type Cache interface {
	Lookup(path string, modified int64) (int, bool)
	Update(path string, modified int64, count int)
	Flush() error
}

// Options tunes a Service.
type Options struct {
	// Concurrency caps simultaneous file reads; zero means runtime.NumCPU().
	Concurrency int
	Logger      *zap.Logger
}

// Service counts tokens for files, consulting and refreshing a Cache when one is set.
type Service struct {
	counter     tokenizer.Counter
	cache       Cache
	concurrency int
	logger      *zap.Logger
	readFile    tokenizer.ReadFileFunc
}

// NewService returns a cached counter. A nil tokenCache disables caching.
func NewService(counter tokenizer.Counter, tokenCache Cache, options Options) *Service {
	concurrency := options.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Service{
		counter:     counter,
		cache:       tokenCache,
		concurrency: concurrency,
		logger:      utils.LoggerOrNop(options.Logger),
		readFile:    os.ReadFile,
	}
}

// Uncached returns a Service with the same fan-out that always tokenizes.
func Uncached(counter tokenizer.Counter, options Options) *Service {
	return NewService(counter, nil, options)
}

// CountFile returns the token count of a single file, reusing the cached count
// while the file's modification time is unchanged.
func (service *Service) CountFile(ctx context.Context, path string) (int, error) {
	if contextError := ctx.Err(); contextError != nil {
		return 0, contextError
	}
	fileInfo, statError := os.Stat(path)
	if statError != nil {
		if errors.Is(statError, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrFileMissing, path)
		}
		return 0, fmt.Errorf("stat %s: %w", path, statError)
	}
	if !fileInfo.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", ErrFileMissing, path)
	}
	modified := fileInfo.ModTime().Unix()

	if service.cache != nil {
		if cached, hit := service.cache.Lookup(path, modified); hit {
			return cached, nil
		}
	}
	count, countError := service.countContents(path)
	if countError != nil {
		return 0, countError
	}
	if service.cache != nil {
		service.cache.Update(path, modified, count)
		if flushError := service.cache.Flush(); flushError != nil {
			service.logger.Warn("token cache flush failed", zap.Error(flushError))
		}
	}
	return count, nil
}

type pendingFile struct {
	path          string
	modified      int64
	modifiedKnown bool
}

// CountFiles returns a count for every distinct input path. Files that cannot be
// read count as zero. The cache is flushed once after all workers finish.
func (service *Service) CountFiles(ctx context.Context, paths []string) map[string]int {
	results := make(map[string]int, len(paths))
	var pending []pendingFile

	for _, path := range utils.DeduplicatePatterns(paths) {
		fileInfo, statError := os.Stat(path)
		if statError != nil {
			service.logger.Debug("modification time unavailable", zap.String("path", path), zap.Error(statError))
			pending = append(pending, pendingFile{path: path})
			continue
		}
		if fileInfo.IsDir() {
			service.logger.Warn("skipping directory in token batch", zap.String("path", path))
			results[path] = 0
			continue
		}
		modified := fileInfo.ModTime().Unix()
		if service.cache != nil {
			if cached, hit := service.cache.Lookup(path, modified); hit {
				results[path] = cached
				continue
			}
		}
		pending = append(pending, pendingFile{path: path, modified: modified, modifiedKnown: true})
	}
	if len(pending) == 0 {
		return results
	}

	var resultsMutex sync.Mutex
	cachedAny := false
	group := new(errgroup.Group)
	group.SetLimit(service.concurrency)
	for _, file := range pending {
		group.Go(func() error {
			count := 0
			if ctx.Err() == nil {
				counted, countError := service.countContents(file.path)
				if countError != nil {
					service.logger.Warn("token count failed", zap.String("path", file.path), zap.Error(countError))
				} else {
					count = counted
					if file.modifiedKnown && service.cache != nil {
						service.cache.Update(file.path, file.modified, count)
						resultsMutex.Lock()
						cachedAny = true
						resultsMutex.Unlock()
					}
				}
			}
			resultsMutex.Lock()
			results[file.path] = count
			resultsMutex.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	if cachedAny {
		if flushError := service.cache.Flush(); flushError != nil {
			service.logger.Warn("token cache flush failed", zap.Error(flushError))
		}
	}
	return results
}

func (service *Service) countContents(path string) (int, error) {
	result, countError := tokenizer.CountFile(service.counter, path, service.readFile)
	if countError != nil {
		return 0, fmt.Errorf("count %s: %w", path, countError)
	}
	if !result.Counted {
		service.logger.Debug("binary file counted as zero tokens", zap.String("path", path))
	}
	return result.Tokens, nil
}
