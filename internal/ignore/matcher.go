// Package ignore decides which workspace paths are hidden from trees, token
// counts and change notifications.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/temirov/reposnap/internal/utils"
)

// DefaultPattern is one built-in rule.
type DefaultPattern struct {
	Pattern string
	Kind    RuleKind
}

var defaultPatterns = []DefaultPattern{
	{Pattern: "codefetch/", Kind: KindDirectory},
	{Pattern: utils.GitDirectoryName + "/", Kind: KindDirectory},
	{Pattern: "node_modules/", Kind: KindDirectory},
	{Pattern: "target/", Kind: KindDirectory},
	{Pattern: "dist/", Kind: KindDirectory},
	{Pattern: "build/", Kind: KindDirectory},
	{Pattern: ".vscode/", Kind: KindDirectory},
	{Pattern: ".idea/", Kind: KindDirectory},
	{Pattern: ".DS_Store", Kind: KindFile},
	{Pattern: "*.png", Kind: KindFile},
	{Pattern: "*.jpg", Kind: KindFile},
	{Pattern: "*.jpeg", Kind: KindFile},
	{Pattern: "*.gif", Kind: KindFile},
	{Pattern: "*.webp", Kind: KindFile},
	{Pattern: "*.pdf", Kind: KindFile},
	{Pattern: "*.exe", Kind: KindFile},
	{Pattern: "*.dll", Kind: KindFile},
	{Pattern: "*.so", Kind: KindFile},
	{Pattern: "*.zip", Kind: KindFile},
	{Pattern: "*.tar", Kind: KindFile},
	{Pattern: "*.gz", Kind: KindFile},
	{Pattern: "*.lock", Kind: KindFile},
	{Pattern: "*.log", Kind: KindFile},
}

// DefaultPatterns returns a copy of the built-in rules in evaluation order.
func DefaultPatterns() []DefaultPattern {
	patterns := make([]DefaultPattern, len(defaultPatterns))
	copy(patterns, defaultPatterns)
	return patterns
}

// Options controls which optional rule sources are layered over the defaults.
type Options struct {
	UseGitignore  bool
	UseIgnoreFile bool
	// Exclude holds extra patterns evaluated after both ignore files.
	Exclude []string
}

// DefaultOptions enables both ignore files and adds no extra patterns.
func DefaultOptions() Options {
	return Options{UseGitignore: true, UseIgnoreFile: true}
}

// Matcher is an immutable ordered rule set. It is safe for concurrent use.
type Matcher struct {
	rules []rule
}

// Build compiles the built-in defaults followed by the root ignore files and any
// extra exclusions. Problems with optional sources are logged and skipped.
func Build(rootDirectory string, options Options, logger *zap.Logger) (*Matcher, error) {
	logger = utils.LoggerOrNop(logger)
	matcher := &Matcher{}

	for _, defaultPattern := range defaultPatterns {
		compiled, ok, parseError := parseRule(defaultPattern.Pattern, defaultPattern.Kind)
		if parseError != nil {
			return nil, fmt.Errorf("built-in ignore pattern: %w", parseError)
		}
		if ok {
			matcher.rules = append(matcher.rules, compiled)
		}
	}

	if options.UseGitignore {
		matcher.appendFile(filepath.Join(rootDirectory, utils.GitIgnoreFileName), logger)
	}
	if options.UseIgnoreFile {
		matcher.appendFile(filepath.Join(rootDirectory, utils.IgnoreFileName), logger)
	}
	for _, pattern := range utils.DeduplicatePatterns(options.Exclude) {
		matcher.appendLine(pattern, "exclude", logger)
	}
	return matcher, nil
}

func (matcher *Matcher) appendFile(ignoreFilePath string, logger *zap.Logger) {
	lines, loadError := LoadIgnoreFileLines(ignoreFilePath)
	if loadError != nil {
		logger.Warn("skipping unreadable ignore file", zap.String("path", ignoreFilePath), zap.Error(loadError))
		return
	}
	for _, line := range lines {
		matcher.appendLine(line, ignoreFilePath, logger)
	}
}

func (matcher *Matcher) appendLine(line string, source string, logger *zap.Logger) {
	compiled, ok, parseError := parseRule(line, KindAny)
	if parseError != nil {
		logger.Warn("skipping invalid ignore pattern", zap.String("source", source), zap.Error(parseError))
		return
	}
	if ok {
		matcher.rules = append(matcher.rules, compiled)
	}
}

// LoadIgnoreFileLines returns the raw lines of an ignore file. A missing file
// yields no lines and no error.
//
// #nosec G304
func LoadIgnoreFileLines(ignoreFilePath string) ([]string, error) {
	fileHandle, openError := os.Open(ignoreFilePath)
	if openError != nil {
		if os.IsNotExist(openError) {
			return nil, nil
		}
		return nil, openError
	}
	defer fileHandle.Close()

	var lines []string
	scanner := bufio.NewScanner(fileHandle)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if scanError := scanner.Err(); scanError != nil {
		return nil, scanError
	}
	return lines, nil
}

// IsIgnored reports whether a root-relative path is hidden. A path under an
// ignored directory is always ignored; a negated rule cannot re-include it.
// Otherwise the last rule matching the path itself decides.
func (matcher *Matcher) IsIgnored(relativePath string, isDirectory bool) bool {
	normalized := strings.TrimSuffix(utils.NormalizeRelativePath(filepath.ToSlash(relativePath)), "/")
	if normalized == "" || normalized == "." {
		return false
	}
	segments := strings.Split(normalized, "/")
	for index := 1; index < len(segments); index++ {
		if matcher.decide(strings.Join(segments[:index], "/"), true) {
			return true
		}
	}
	return matcher.decide(normalized, isDirectory)
}

func (matcher *Matcher) decide(candidate string, isDirectory bool) bool {
	ignored := false
	for _, compiled := range matcher.rules {
		if compiled.matches(candidate, isDirectory) {
			ignored = !compiled.negated
		}
	}
	return ignored
}
