// Package utils contains general helper functions used across reposnap.
package utils

import (
	"os"
	"path/filepath"
	"strings"
)

// Ignore file and configuration constants used across the project.
const (
	// GitIgnoreFileName is the name of the Git ignore file.
	GitIgnoreFileName = ".gitignore"
	// IgnoreFileName is the name of the tool-specific ignore file.
	IgnoreFileName = ".reposnapignore"
	// GitDirectoryName is the name of the Git repository directory.
	GitDirectoryName = ".git"
	// ConfigFileName is the local configuration file name.
	ConfigFileName = ".reposnap.yaml"
	// GlobalConfigDirectoryName is the directory under the user home holding global state.
	GlobalConfigDirectoryName = ".reposnap"
	// GlobalConfigFileName is the configuration file name inside GlobalConfigDirectoryName.
	GlobalConfigFileName = "config.yaml"
	// CacheStoreFileName is the default token cache store file inside GlobalConfigDirectoryName.
	CacheStoreFileName = "token-cache.json"
)

const pathSegmentSeparator = "/"

// DeduplicatePatterns removes duplicate patterns from a slice while preserving order.
// The first occurrence of each unique pattern is kept.
func DeduplicatePatterns(patterns []string) []string {
	encounteredPatterns := make(map[string]struct{})
	result := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if _, exists := encounteredPatterns[pattern]; !exists {
			encounteredPatterns[pattern] = struct{}{}
			result = append(result, pattern)
		}
	}
	return result
}

// RelativePathOrSelf calculates the slash-separated relative path from root to fullPath.
// Returns the cleaned fullPath if relative calculation fails.
// Returns "." if fullPath and root resolve to the same directory.
func RelativePathOrSelf(fullPath, root string) string {
	cleanPath := filepath.Clean(fullPath)
	absoluteRoot, err := filepath.Abs(root)
	if err != nil {
		return cleanPath
	}
	cleanAbsoluteRoot := filepath.Clean(absoluteRoot)

	if cleanPath == cleanAbsoluteRoot {
		return "."
	}

	relativePath, relErr := filepath.Rel(cleanAbsoluteRoot, cleanPath)
	if relErr != nil {
		return cleanPath
	}
	return filepath.ToSlash(relativePath)
}

// NormalizeRelativePath converts a path to forward slashes and strips leading "./" and "/".
func NormalizeRelativePath(path string) string {
	normalized := strings.ReplaceAll(path, "\\", pathSegmentSeparator)
	normalized = strings.TrimPrefix(normalized, "./")
	return strings.TrimPrefix(normalized, pathSegmentSeparator)
}

// GlobalDirectory returns the absolute path of the per-user reposnap directory.
func GlobalDirectory() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDirectory, GlobalConfigDirectoryName), nil
}
