package ignore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/temirov/reposnap/internal/ignore"
	"github.com/temirov/reposnap/internal/utils"
)

type ignoreCase struct {
	testName     string
	relativePath string
	isDirectory  bool
	expected     bool
}

func writeIgnoreFile(testingInstance *testing.T, directory, name, contents string) {
	testingInstance.Helper()
	if writeError := os.WriteFile(filepath.Join(directory, name), []byte(contents), 0o600); writeError != nil {
		testingInstance.Fatalf("write %s: %v", name, writeError)
	}
}

func buildMatcher(testingInstance *testing.T, rootDirectory string, options ignore.Options) *ignore.Matcher {
	testingInstance.Helper()
	matcher, buildError := ignore.Build(rootDirectory, options, nil)
	if buildError != nil {
		testingInstance.Fatalf("build matcher: %v", buildError)
	}
	return matcher
}

func runIgnoreCases(testingInstance *testing.T, matcher *ignore.Matcher, testCases []ignoreCase) {
	testingInstance.Helper()
	for index, testCase := range testCases {
		actual := matcher.IsIgnored(testCase.relativePath, testCase.isDirectory)
		if actual != testCase.expected {
			testingInstance.Errorf("case %d (%s): IsIgnored(%q, %t) = %t, want %t", index, testCase.testName, testCase.relativePath, testCase.isDirectory, actual, testCase.expected)
		}
	}
}

func TestDefaultRules(testingInstance *testing.T) {
	matcher := buildMatcher(testingInstance, testingInstance.TempDir(), ignore.DefaultOptions())
	runIgnoreCases(testingInstance, matcher, []ignoreCase{
		{testName: "root", relativePath: ".", isDirectory: true, expected: false},
		{testName: "plain source", relativePath: "src/main.go", isDirectory: false, expected: false},
		{testName: "node_modules at root", relativePath: "node_modules", isDirectory: true, expected: true},
		{testName: "nested node_modules", relativePath: "packages/web/node_modules", isDirectory: true, expected: true},
		{testName: "file inside node_modules", relativePath: "node_modules/pkg/index.js", isDirectory: false, expected: true},
		{testName: "git metadata", relativePath: ".git", isDirectory: true, expected: true},
		{testName: "file named like directory rule", relativePath: "build", isDirectory: false, expected: false},
		{testName: "png file", relativePath: "assets/logo.png", isDirectory: false, expected: true},
		{testName: "png directory", relativePath: "assets.png", isDirectory: true, expected: false},
		{testName: "file inside png directory", relativePath: "assets.png/readme.md", isDirectory: false, expected: false},
		{testName: "lock file", relativePath: "Cargo.lock", isDirectory: false, expected: true},
		{testName: "ds store", relativePath: "docs/.DS_Store", isDirectory: false, expected: true},
		{testName: "backslash separators", relativePath: `web\node_modules\a.js`, isDirectory: false, expected: true},
	})
}

func TestIgnoreFilesLayering(testingInstance *testing.T) {
	rootDirectory := testingInstance.TempDir()
	writeIgnoreFile(testingInstance, rootDirectory, utils.GitIgnoreFileName, "# comment\n\n*.tmp\n!keep.tmp\n/out\ndocs/*.md\n**/cache\n")
	writeIgnoreFile(testingInstance, rootDirectory, utils.IgnoreFileName, "!dist/\nsecrets/\n")
	matcher := buildMatcher(testingInstance, rootDirectory, ignore.DefaultOptions())
	runIgnoreCases(testingInstance, matcher, []ignoreCase{
		{testName: "basename glob", relativePath: "a/b/c.tmp", isDirectory: false, expected: true},
		{testName: "negated basename", relativePath: "a/keep.tmp", isDirectory: false, expected: false},
		{testName: "anchored at root", relativePath: "out", isDirectory: true, expected: true},
		{testName: "anchored not nested", relativePath: "src/out", isDirectory: true, expected: false},
		{testName: "inner slash anchored", relativePath: "docs/guide.md", isDirectory: false, expected: true},
		{testName: "inner slash nested", relativePath: "web/docs/guide.md", isDirectory: false, expected: false},
		{testName: "double star at root", relativePath: "cache", isDirectory: true, expected: true},
		{testName: "double star nested", relativePath: "a/b/cache", isDirectory: true, expected: true},
		{testName: "tool file negates default", relativePath: "dist", isDirectory: true, expected: false},
		{testName: "tool file directory rule", relativePath: "secrets/key.txt", isDirectory: false, expected: true},
	})
}

func TestNegatedDirectoryOnlyReincludesItself(testingInstance *testing.T) {
	rootDirectory := testingInstance.TempDir()
	writeIgnoreFile(testingInstance, rootDirectory, utils.GitIgnoreFileName, "*.md\n!docs/\nvendor/\n!vendor/keep.go\n")
	matcher := buildMatcher(testingInstance, rootDirectory, ignore.DefaultOptions())
	runIgnoreCases(testingInstance, matcher, []ignoreCase{
		{testName: "negated directory itself", relativePath: "docs", isDirectory: true, expected: false},
		{testName: "plain file in negated directory", relativePath: "docs/guide.txt", isDirectory: false, expected: false},
		{testName: "user rule inside negated directory", relativePath: "docs/readme.md", isDirectory: false, expected: true},
		{testName: "default rule inside negated directory", relativePath: "docs/debug.log", isDirectory: false, expected: true},
		{testName: "user rule at root", relativePath: "readme.md", isDirectory: false, expected: true},
		{testName: "file under ignored directory stays ignored", relativePath: "vendor/keep.go", isDirectory: false, expected: true},
	})
}

func TestOptionsToggleSources(testingInstance *testing.T) {
	rootDirectory := testingInstance.TempDir()
	writeIgnoreFile(testingInstance, rootDirectory, utils.GitIgnoreFileName, "*.tmp\n")
	writeIgnoreFile(testingInstance, rootDirectory, utils.IgnoreFileName, "*.bak\n")

	matcher := buildMatcher(testingInstance, rootDirectory, ignore.Options{Exclude: []string{"vendor/", "vendor/"}})
	runIgnoreCases(testingInstance, matcher, []ignoreCase{
		{testName: "gitignore disabled", relativePath: "a.tmp", isDirectory: false, expected: false},
		{testName: "tool file disabled", relativePath: "a.bak", isDirectory: false, expected: false},
		{testName: "exclude pattern", relativePath: "vendor/lib.go", isDirectory: false, expected: true},
		{testName: "defaults still apply", relativePath: "target", isDirectory: true, expected: true},
	})
}

func TestInvalidLinesAreSkipped(testingInstance *testing.T) {
	rootDirectory := testingInstance.TempDir()
	writeIgnoreFile(testingInstance, rootDirectory, utils.GitIgnoreFileName, "[\n*.tmp\n")
	matcher := buildMatcher(testingInstance, rootDirectory, ignore.DefaultOptions())
	runIgnoreCases(testingInstance, matcher, []ignoreCase{
		{testName: "valid line after invalid one", relativePath: "x.tmp", isDirectory: false, expected: true},
	})
}

func TestMissingIgnoreFileYieldsNoLines(testingInstance *testing.T) {
	lines, loadError := ignore.LoadIgnoreFileLines(filepath.Join(testingInstance.TempDir(), "absent"))
	if loadError != nil {
		testingInstance.Fatalf("unexpected error: %v", loadError)
	}
	if len(lines) != 0 {
		testingInstance.Fatalf("expected no lines, got %v", lines)
	}
}

func TestDefaultPatternsReturnsCopy(testingInstance *testing.T) {
	first := ignore.DefaultPatterns()
	first[0].Pattern = "mutated"
	second := ignore.DefaultPatterns()
	if second[0].Pattern == "mutated" {
		testingInstance.Fatalf("DefaultPatterns exposed internal state")
	}
}
