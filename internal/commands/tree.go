// Package commands contains the core logic for data collection for each command.
package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/temirov/reposnap/internal/types"
	"github.com/temirov/reposnap/internal/utils"
)

const (
	// errorAbsolutePathFormat is used when the absolute path cannot be determined.
	errorAbsolutePathFormat = "getting absolute path for %s: %w"

	// errorBuildTreeFormat is used when building the tree fails.
	errorBuildTreeFormat = "building tree for %s: %w"

	// errorReadDirectoryFormat is used when a directory cannot be read.
	errorReadDirectoryFormat = "reading directory %s: %w"
)

var (
	// ErrNotFound reports a tree root that does not exist.
	ErrNotFound = errors.New("directory does not exist")
	// ErrNotDirectory reports a tree root that is not a directory.
	ErrNotDirectory = errors.New("path is not a directory")
)

// IgnoreMatcher decides whether a root-relative path is excluded.
type IgnoreMatcher interface {
	IsIgnored(relativePath string, isDirectory bool) bool
}

// GetTree validates rootDirectoryPath and returns the sorted, ignore-filtered
// nodes beneath it.
func GetTree(rootDirectoryPath string, matcher IgnoreMatcher) ([]*types.TreeNode, error) {
	absoluteRootDirPath, absolutePathError := filepath.Abs(rootDirectoryPath)
	if absolutePathError != nil {
		return nil, fmt.Errorf(errorAbsolutePathFormat, rootDirectoryPath, absolutePathError)
	}
	rootInfo, statError := os.Stat(absoluteRootDirPath)
	if statError != nil {
		if errors.Is(statError, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, absoluteRootDirPath)
		}
		return nil, fmt.Errorf(errorBuildTreeFormat, absoluteRootDirPath, statError)
	}
	if !rootInfo.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, absoluteRootDirPath)
	}

	nodes, buildError := BuildTree(absoluteRootDirPath, absoluteRootDirPath, matcher)
	if buildError != nil {
		return nil, fmt.Errorf(errorBuildTreeFormat, absoluteRootDirPath, buildError)
	}
	return nodes, nil
}

// BuildTree lists currentDirectoryPath recursively. Ignored entries are skipped
// with their subtrees, directories left without children are omitted, and any
// unreadable directory aborts the walk. Symbolic links are never followed: a
// link to a directory is listed as a file leaf, which keeps link cycles out of
// the walk.
func BuildTree(currentDirectoryPath string, baseDirectoryPath string, matcher IgnoreMatcher) ([]*types.TreeNode, error) {
	directoryEntries, readDirectoryError := os.ReadDir(currentDirectoryPath)
	if readDirectoryError != nil {
		return nil, fmt.Errorf(errorReadDirectoryFormat, currentDirectoryPath, readDirectoryError)
	}

	nodes := make([]*types.TreeNode, 0, len(directoryEntries))
	for _, directoryEntry := range directoryEntries {
		childPath := filepath.Join(currentDirectoryPath, directoryEntry.Name())
		relativeChildPath := utils.RelativePathOrSelf(childPath, baseDirectoryPath)
		isDirectory := directoryEntry.IsDir()
		if matcher != nil && matcher.IsIgnored(relativeChildPath, isDirectory) {
			continue
		}

		node := &types.TreeNode{
			Name:        directoryEntry.Name(),
			Path:        childPath,
			IsDirectory: isDirectory,
		}
		if entryInfo, infoError := directoryEntry.Info(); infoError == nil {
			node.LastModified = types.Int64Pointer(entryInfo.ModTime().Unix())
		}

		if isDirectory {
			childNodes, buildError := BuildTree(childPath, baseDirectoryPath, matcher)
			if buildError != nil {
				return nil, buildError
			}
			if len(childNodes) == 0 {
				continue
			}
			node.Children = childNodes
		}
		nodes = append(nodes, node)
	}

	SortNodes(nodes)
	return nodes, nil
}

// SortNodes orders siblings with directories first, then by name.
func SortNodes(nodes []*types.TreeNode) {
	sort.SliceStable(nodes, func(left, right int) bool {
		if nodes[left].IsDirectory != nodes[right].IsDirectory {
			return nodes[left].IsDirectory
		}
		return nodes[left].Name < nodes[right].Name
	})
}

// WalkNodes visits every node depth first, parents before children.
func WalkNodes(nodes []*types.TreeNode, visit func(node *types.TreeNode)) {
	for _, node := range nodes {
		if node == nil {
			continue
		}
		visit(node)
		WalkNodes(node.Children, visit)
	}
}
