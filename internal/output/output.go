// Package output renders workspace trees for the command line.
package output

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/temirov/reposnap/internal/commands"
	"github.com/temirov/reposnap/internal/types"
)

const (
	// FormatJSON renders the tree as indented JSON.
	FormatJSON = "json"
	// FormatRaw renders the tree as box-drawing text.
	FormatRaw = "raw"

	indentPrefix = ""
	indentSpacer = "  "

	treeBranchConnector = "├── "
	treeLastConnector   = "└── "
	treeBranchPadding   = "│   "
	treeLastPadding     = "    "

	directorySuffix = "/"
)

// IsSupportedFormat reports whether the provided format is recognized.
func IsSupportedFormat(format string) bool {
	switch format {
	case FormatJSON, FormatRaw:
		return true
	default:
		return false
	}
}

// RenderJSON marshals nodes as indented JSON. An empty tree renders as [].
func RenderJSON(nodes []*types.TreeNode) (string, error) {
	if len(nodes) == 0 {
		return "[]", nil
	}
	encoded, encodeError := json.MarshalIndent(nodes, indentPrefix, indentSpacer)
	return string(encoded), encodeError
}

// Summary totals the files of a tree. Tokens only covers annotated files.
type Summary struct {
	Files  int
	Tokens int
}

// Summarize walks nodes and totals their files.
func Summarize(nodes []*types.TreeNode) Summary {
	var summary Summary
	commands.WalkNodes(nodes, func(node *types.TreeNode) {
		if node.IsDirectory {
			return
		}
		summary.Files++
		if node.TokenCount != nil {
			summary.Tokens += *node.TokenCount
		}
	})
	return summary
}

func (summary Summary) String() string {
	label := "files"
	if summary.Files == 1 {
		label = "file"
	}
	if summary.Tokens > 0 {
		return fmt.Sprintf("Summary: %d %s, %d tokens", summary.Files, label, summary.Tokens)
	}
	return fmt.Sprintf("Summary: %d %s", summary.Files, label)
}

// WriteTreeRaw renders root followed by nodes using box-drawing connectors,
// then a summary line.
func WriteTreeRaw(writer io.Writer, root string, nodes []*types.TreeNode) error {
	if _, err := fmt.Fprintln(writer, root); err != nil {
		return err
	}
	if err := renderChildren(writer, nodes, ""); err != nil {
		return err
	}
	_, err := fmt.Fprintln(writer, Summarize(nodes).String())
	return err
}

func renderChildren(writer io.Writer, nodes []*types.TreeNode, prefix string) error {
	for index, node := range nodes {
		if node == nil {
			continue
		}
		connector, childPrefix := treeBranchConnector, prefix+treeBranchPadding
		if index == len(nodes)-1 {
			connector, childPrefix = treeLastConnector, prefix+treeLastPadding
		}
		if _, err := fmt.Fprintf(writer, "%s%s%s\n", prefix+connector, nodeLabel(node), tokenSuffix(node)); err != nil {
			return err
		}
		if err := renderChildren(writer, node.Children, childPrefix); err != nil {
			return err
		}
	}
	return nil
}

func nodeLabel(node *types.TreeNode) string {
	if node.IsDirectory {
		return node.Name + directorySuffix
	}
	return node.Name
}

func tokenSuffix(node *types.TreeNode) string {
	if node.TokenCount == nil {
		return ""
	}
	return fmt.Sprintf(" (%d tokens)", *node.TokenCount)
}
