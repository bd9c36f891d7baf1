package ignore

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// RuleKind restricts which entry types a rule applies to.
type RuleKind int

const (
	// KindAny applies to files and directories.
	KindAny RuleKind = iota
	// KindDirectory applies to directories (and everything beneath them).
	KindDirectory
	// KindFile applies to files only.
	KindFile
)

const (
	negationPrefix    = "!"
	commentPrefix     = "#"
	anchorPrefix      = "/"
	directorySuffix   = "/"
	doubleStarPrefix  = "**/"
	pathSeparatorRune = '/'
)

type rule struct {
	source   string
	negated  bool
	anchored bool
	kind     RuleKind
	globs    []glob.Glob
}

// parseRule compiles one ignore-file line. The boolean result is false for blank
// lines and comments.
func parseRule(line string, kind RuleKind) (rule, bool, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, commentPrefix) {
		return rule{}, false, nil
	}

	parsed := rule{source: trimmed, kind: kind}
	pattern := trimmed
	if strings.HasPrefix(pattern, negationPrefix) {
		parsed.negated = true
		pattern = strings.TrimPrefix(pattern, negationPrefix)
	}
	if strings.HasSuffix(pattern, directorySuffix) {
		parsed.kind = KindDirectory
		pattern = strings.TrimRight(pattern, directorySuffix)
	}
	if strings.HasPrefix(pattern, anchorPrefix) {
		parsed.anchored = true
		pattern = strings.TrimPrefix(pattern, anchorPrefix)
	}
	if pattern == "" {
		return rule{}, false, nil
	}
	if strings.Contains(pattern, "/") {
		parsed.anchored = true
	}

	expressions := []string{pattern}
	if strings.HasPrefix(pattern, doubleStarPrefix) {
		expressions = append(expressions, strings.TrimPrefix(pattern, doubleStarPrefix))
	}
	for _, expression := range expressions {
		compiled, compileErr := glob.Compile(escapeBraces(expression), pathSeparatorRune)
		if compileErr != nil {
			return rule{}, false, fmt.Errorf("compile pattern %q: %w", trimmed, compileErr)
		}
		parsed.globs = append(parsed.globs, compiled)
	}
	return parsed, true, nil
}

// escapeBraces disables glob alternation, which ignore files do not support.
func escapeBraces(pattern string) string {
	replacer := strings.NewReplacer("{", `\{`, "}", `\}`)
	return replacer.Replace(pattern)
}

// matches reports whether the rule applies to candidate itself. Ancestor
// directories are evaluated separately by the matcher.
func (r rule) matches(candidate string, isDirectory bool) bool {
	switch r.kind {
	case KindDirectory:
		if !isDirectory {
			return false
		}
	case KindFile:
		if isDirectory {
			return false
		}
	}
	subject := candidate
	if !r.anchored {
		subject = path.Base(candidate)
	}
	for _, compiled := range r.globs {
		if compiled.Match(subject) {
			return true
		}
	}
	return false
}
