package tokenizer

import (
	"errors"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/temirov/reposnap/internal/utils"
)

var errNilCounter = errors.New("nil tokenizer counter")

// CountResult captures the outcome of counting a file or byte slice. Counted is
// false when the content was detected as binary and the counter was skipped.
type CountResult struct {
	Tokens  int
	Counted bool
}

// ReadFileFunc loads a file's contents.
type ReadFileFunc func(path string) ([]byte, error)

// CountBytes estimates tokens for data. Binary data yields zero tokens without
// invoking the counter.
func CountBytes(counter Counter, data []byte) (CountResult, error) {
	if counter == nil {
		return CountResult{}, errNilCounter
	}
	if len(data) == 0 {
		return CountResult{Counted: true}, nil
	}
	if utils.IsBinary(data) {
		return CountResult{Counted: false}, nil
	}
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, string(utf8.RuneError))
	}
	tokens, err := counter.CountString(text)
	if err != nil {
		return CountResult{}, err
	}
	return CountResult{Tokens: tokens, Counted: true}, nil
}

// CountFile reads the file at path with readFile, or os.ReadFile when nil, and
// estimates its token count.
//
// #nosec G304
func CountFile(counter Counter, path string, readFile ReadFileFunc) (CountResult, error) {
	if counter == nil {
		return CountResult{}, errNilCounter
	}
	if readFile == nil {
		readFile = os.ReadFile
	}
	data, readErr := readFile(path)
	if readErr != nil {
		return CountResult{}, readErr
	}
	return CountBytes(counter, data)
}
