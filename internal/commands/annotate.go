package commands

import (
	"context"

	"github.com/temirov/reposnap/internal/types"
)

// BatchCounter counts tokens for many files at once.
type BatchCounter interface {
	CountFiles(ctx context.Context, paths []string) map[string]int
}

// AnnotateTree sets TokenCount on every file node in place using one batch
// count. With rollup, directories receive the sum of their descendants.
func AnnotateTree(ctx context.Context, nodes []*types.TreeNode, counter BatchCounter, rollup bool) {
	var filePaths []string
	WalkNodes(nodes, func(node *types.TreeNode) {
		if !node.IsDirectory {
			filePaths = append(filePaths, node.Path)
		}
	})
	if len(filePaths) == 0 {
		return
	}

	counts := counter.CountFiles(ctx, filePaths)
	WalkNodes(nodes, func(node *types.TreeNode) {
		if !node.IsDirectory {
			node.TokenCount = types.IntPointer(counts[node.Path])
		}
	})
	if rollup {
		for _, node := range nodes {
			rollupNode(node)
		}
	}
}

func rollupNode(node *types.TreeNode) int {
	if node == nil {
		return 0
	}
	if !node.IsDirectory {
		if node.TokenCount == nil {
			return 0
		}
		return *node.TokenCount
	}
	total := 0
	for _, child := range node.Children {
		total += rollupNode(child)
	}
	node.TokenCount = types.IntPointer(total)
	return total
}
