package commands_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/temirov/reposnap/internal/commands"
	"github.com/temirov/reposnap/internal/ignore"
	"github.com/temirov/reposnap/internal/types"
)

const (
	sourceDirectoryName = "src"
	mainFileName        = "main.go"
	readmeFileName      = "README.md"
	moduleDirectoryName = "node_modules"
)

type fixedCounter struct {
	counts map[string]int
	calls  int
}

func (counter *fixedCounter) CountFiles(_ context.Context, paths []string) map[string]int {
	counter.calls++
	result := make(map[string]int, len(paths))
	for _, path := range paths {
		result[path] = counter.counts[path]
	}
	return result
}

func writeTestFile(testingHandle *testing.T, path string, contents string) {
	testingHandle.Helper()
	if makeDirError := os.MkdirAll(filepath.Dir(path), 0o755); makeDirError != nil {
		testingHandle.Fatalf("mkdir: %v", makeDirError)
	}
	if writeError := os.WriteFile(path, []byte(contents), 0o644); writeError != nil {
		testingHandle.Fatalf("write %s: %v", path, writeError)
	}
}

func defaultMatcher(testingHandle *testing.T, rootDirectory string) *ignore.Matcher {
	testingHandle.Helper()
	matcher, buildError := ignore.Build(rootDirectory, ignore.DefaultOptions(), nil)
	if buildError != nil {
		testingHandle.Fatalf("build matcher: %v", buildError)
	}
	return matcher
}

func nodeNames(nodes []*types.TreeNode) []string {
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		names = append(names, node.Name)
	}
	return names
}

// TestGetTreeSkipsIgnoredAndSorts verifies ignore handling and sibling order.
func TestGetTreeSkipsIgnoredAndSorts(testingHandle *testing.T) {
	rootDirectory := testingHandle.TempDir()
	writeTestFile(testingHandle, filepath.Join(rootDirectory, sourceDirectoryName, mainFileName), "package main")
	writeTestFile(testingHandle, filepath.Join(rootDirectory, readmeFileName), "# readme")
	writeTestFile(testingHandle, filepath.Join(rootDirectory, "a.txt"), "a")
	writeTestFile(testingHandle, filepath.Join(rootDirectory, moduleDirectoryName, "x", "index.js"), "x")
	writeTestFile(testingHandle, filepath.Join(rootDirectory, "logo.png"), "png")

	nodes, treeError := commands.GetTree(rootDirectory, defaultMatcher(testingHandle, rootDirectory))
	if treeError != nil {
		testingHandle.Fatalf("GetTree error: %v", treeError)
	}
	expectedNames := []string{sourceDirectoryName, readmeFileName, "a.txt"}
	if !reflect.DeepEqual(nodeNames(nodes), expectedNames) {
		testingHandle.Fatalf("expected %v, got %v", expectedNames, nodeNames(nodes))
	}
	sourceNode := nodes[0]
	if !sourceNode.IsDirectory || len(sourceNode.Children) != 1 || sourceNode.Children[0].Name != mainFileName {
		testingHandle.Fatalf("unexpected src node: %+v", sourceNode)
	}
	expectedPath := filepath.Join(rootDirectory, sourceDirectoryName, mainFileName)
	if sourceNode.Children[0].Path != expectedPath {
		testingHandle.Fatalf("expected absolute path %s, got %s", expectedPath, sourceNode.Children[0].Path)
	}
	if sourceNode.Children[0].LastModified == nil {
		testingHandle.Fatalf("expected modification time on file node")
	}
	if sourceNode.Children[0].TokenCount != nil {
		testingHandle.Fatalf("expected no token count before annotation")
	}
}

// TestGetTreePrunesEmptyDirectories verifies directories with no surviving children are omitted.
func TestGetTreePrunesEmptyDirectories(testingHandle *testing.T) {
	rootDirectory := testingHandle.TempDir()
	if makeDirError := os.MkdirAll(filepath.Join(rootDirectory, "empty", "deeper"), 0o755); makeDirError != nil {
		testingHandle.Fatalf("mkdir: %v", makeDirError)
	}
	writeTestFile(testingHandle, filepath.Join(rootDirectory, "only-logs", "run.log"), "log")
	writeTestFile(testingHandle, filepath.Join(rootDirectory, "keep.txt"), "keep")

	nodes, treeError := commands.GetTree(rootDirectory, defaultMatcher(testingHandle, rootDirectory))
	if treeError != nil {
		testingHandle.Fatalf("GetTree error: %v", treeError)
	}
	if !reflect.DeepEqual(nodeNames(nodes), []string{"keep.txt"}) {
		testingHandle.Fatalf("expected only keep.txt, got %v", nodeNames(nodes))
	}
}

// TestGetTreeIsIdempotent verifies repeated builds produce identical trees.
func TestGetTreeIsIdempotent(testingHandle *testing.T) {
	rootDirectory := testingHandle.TempDir()
	for _, relativePath := range []string{"b/z.go", "b/a.go", "a/c.go", "Z.txt", "y.txt"} {
		writeTestFile(testingHandle, filepath.Join(rootDirectory, relativePath), relativePath)
	}
	matcher := defaultMatcher(testingHandle, rootDirectory)
	first, firstError := commands.GetTree(rootDirectory, matcher)
	second, secondError := commands.GetTree(rootDirectory, matcher)
	if firstError != nil || secondError != nil {
		testingHandle.Fatalf("GetTree errors: %v %v", firstError, secondError)
	}
	if !reflect.DeepEqual(first, second) {
		testingHandle.Fatalf("trees differ between builds")
	}
	if !reflect.DeepEqual(nodeNames(first), []string{"a", "b", "Z.txt", "y.txt"}) {
		testingHandle.Fatalf("unexpected order %v", nodeNames(first))
	}
	if !reflect.DeepEqual(nodeNames(first[1].Children), []string{"a.go", "z.go"}) {
		testingHandle.Fatalf("unexpected nested order %v", nodeNames(first[1].Children))
	}
}

// TestGetTreeValidatesRoot verifies sentinel errors for invalid roots.
func TestGetTreeValidatesRoot(testingHandle *testing.T) {
	rootDirectory := testingHandle.TempDir()
	filePath := filepath.Join(rootDirectory, "file.txt")
	writeTestFile(testingHandle, filePath, "x")

	if _, treeError := commands.GetTree(filepath.Join(rootDirectory, "absent"), nil); !errors.Is(treeError, commands.ErrNotFound) {
		testingHandle.Fatalf("expected ErrNotFound, got %v", treeError)
	}
	if _, treeError := commands.GetTree(filePath, nil); !errors.Is(treeError, commands.ErrNotDirectory) {
		testingHandle.Fatalf("expected ErrNotDirectory, got %v", treeError)
	}
}

// TestBuildTreeFailsOnUnreadableSubdirectory verifies the walk aborts instead of returning a partial tree.
func TestBuildTreeFailsOnUnreadableSubdirectory(testingHandle *testing.T) {
	if os.Geteuid() == 0 {
		testingHandle.Skip("permission bits are not enforced for root")
	}
	rootDirectory := testingHandle.TempDir()
	lockedDirectory := filepath.Join(rootDirectory, "locked")
	writeTestFile(testingHandle, filepath.Join(lockedDirectory, "secret.txt"), "x")
	writeTestFile(testingHandle, filepath.Join(rootDirectory, "open.txt"), "x")
	if chmodError := os.Chmod(lockedDirectory, 0o000); chmodError != nil {
		testingHandle.Fatalf("chmod: %v", chmodError)
	}
	testingHandle.Cleanup(func() { _ = os.Chmod(lockedDirectory, 0o755) })

	if nodes, buildError := commands.BuildTree(rootDirectory, rootDirectory, nil); buildError == nil {
		testingHandle.Fatalf("expected error, got %d nodes", len(nodes))
	}
}

// TestFilterTreeKeepsSelectionWithoutMutatingInput verifies filtered trees are rebuilt.
func TestFilterTreeKeepsSelectionWithoutMutatingInput(testingHandle *testing.T) {
	tree := []*types.TreeNode{
		{Name: "src", Path: "/r/src", IsDirectory: true, Children: []*types.TreeNode{
			{Name: "a.go", Path: "/r/src/a.go"},
			{Name: "b.go", Path: "/r/src/b.go"},
		}},
		{Name: "docs", Path: "/r/docs", IsDirectory: true, Children: []*types.TreeNode{
			{Name: "x.md", Path: "/r/docs/x.md"},
		}},
		{Name: "go.mod", Path: "/r/go.mod"},
	}

	filtered := commands.FilterTree(tree, []string{"/r/src/b.go", "/r/go.mod", "/r/missing"})
	if !reflect.DeepEqual(nodeNames(filtered), []string{"src", "go.mod"}) {
		testingHandle.Fatalf("unexpected filtered roots %v", nodeNames(filtered))
	}
	if !reflect.DeepEqual(nodeNames(filtered[0].Children), []string{"b.go"}) {
		testingHandle.Fatalf("unexpected filtered children %v", nodeNames(filtered[0].Children))
	}
	if len(tree[0].Children) != 2 || len(tree) != 3 {
		testingHandle.Fatalf("input tree was mutated")
	}
	if len(commands.FilterTree(tree, nil)) != 0 {
		testingHandle.Fatalf("empty selection should yield an empty tree")
	}
}

// TestAnnotateTree verifies leaf counts and optional directory rollups.
func TestAnnotateTree(testingHandle *testing.T) {
	newTree := func() []*types.TreeNode {
		return []*types.TreeNode{
			{Name: "src", Path: "/r/src", IsDirectory: true, Children: []*types.TreeNode{
				{Name: "lib", Path: "/r/src/lib", IsDirectory: true, Children: []*types.TreeNode{
					{Name: "a.go", Path: "/r/src/lib/a.go"},
				}},
				{Name: "b.go", Path: "/r/src/b.go"},
			}},
			{Name: "c.go", Path: "/r/c.go"},
		}
	}
	counter := &fixedCounter{counts: map[string]int{"/r/src/lib/a.go": 3, "/r/src/b.go": 4, "/r/c.go": 5}}

	plain := newTree()
	commands.AnnotateTree(context.Background(), plain, counter, false)
	if plain[0].TokenCount != nil {
		testingHandle.Fatalf("directories should stay unannotated without rollup")
	}
	if plain[1].TokenCount == nil || *plain[1].TokenCount != 5 {
		testingHandle.Fatalf("unexpected leaf count %v", plain[1].TokenCount)
	}

	rolled := newTree()
	commands.AnnotateTree(context.Background(), rolled, counter, true)
	if rolled[0].TokenCount == nil || *rolled[0].TokenCount != 7 {
		testingHandle.Fatalf("expected rollup 7, got %v", rolled[0].TokenCount)
	}
	if lib := rolled[0].Children[0]; lib.TokenCount == nil || *lib.TokenCount != 3 {
		testingHandle.Fatalf("expected nested rollup 3, got %v", lib.TokenCount)
	}
	if counter.calls != 2 {
		testingHandle.Fatalf("expected one batch per annotation, got %d", counter.calls)
	}
}

// TestBuildTreeListsDirectorySymlinkAsFile verifies symbolic links are not followed.
func TestBuildTreeListsDirectorySymlinkAsFile(testingHandle *testing.T) {
	rootDirectory := testingHandle.TempDir()
	writeTestFile(testingHandle, filepath.Join(rootDirectory, sourceDirectoryName, mainFileName), "package main")
	linkPath := filepath.Join(rootDirectory, "loop")
	if linkError := os.Symlink(rootDirectory, linkPath); linkError != nil {
		testingHandle.Skipf("symlinks unavailable: %v", linkError)
	}

	nodes, treeError := commands.GetTree(rootDirectory, defaultMatcher(testingHandle, rootDirectory))
	if treeError != nil {
		testingHandle.Fatalf("GetTree error: %v", treeError)
	}
	expectedNames := []string{sourceDirectoryName, "loop"}
	if !reflect.DeepEqual(nodeNames(nodes), expectedNames) {
		testingHandle.Fatalf("expected %v, got %v", expectedNames, nodeNames(nodes))
	}
	if nodes[1].IsDirectory || nodes[1].Children != nil {
		testingHandle.Fatalf("expected symlink listed as a leaf, got %+v", nodes[1])
	}
}
