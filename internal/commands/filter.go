package commands

import "github.com/temirov/reposnap/internal/types"

// FilterTree returns a new tree holding only the selected files and the
// directories that still contain at least one of them. nodes is not modified.
func FilterTree(nodes []*types.TreeNode, selectedPaths []string) []*types.TreeNode {
	selection := make(map[string]struct{}, len(selectedPaths))
	for _, selectedPath := range selectedPaths {
		selection[selectedPath] = struct{}{}
	}
	return filterNodes(nodes, selection)
}

func filterNodes(nodes []*types.TreeNode, selection map[string]struct{}) []*types.TreeNode {
	var kept []*types.TreeNode
	for _, node := range nodes {
		if node == nil {
			continue
		}
		if !node.IsDirectory {
			if _, selected := selection[node.Path]; selected {
				kept = append(kept, cloneNode(node, nil))
			}
			continue
		}
		children := filterNodes(node.Children, selection)
		if len(children) > 0 {
			kept = append(kept, cloneNode(node, children))
		}
	}
	return kept
}

func cloneNode(node *types.TreeNode, children []*types.TreeNode) *types.TreeNode {
	cloned := *node
	cloned.Children = children
	if node.TokenCount != nil {
		cloned.TokenCount = types.IntPointer(*node.TokenCount)
	}
	if node.LastModified != nil {
		cloned.LastModified = types.Int64Pointer(*node.LastModified)
	}
	return &cloned
}
