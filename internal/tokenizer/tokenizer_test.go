package tokenizer

import (
	"os"
	"path/filepath"
	"testing"
)

type testCounter struct {
	calls int
}

func (*testCounter) Name() string { return "stub" }

func (counter *testCounter) CountString(input string) (int, error) {
	counter.calls++
	return len([]rune(input)), nil
}

func TestCountBytesText(t *testing.T) {
	counter := &testCounter{}
	result, err := CountBytes(counter, []byte("hello"))
	if err != nil {
		t.Fatalf("CountBytes error: %v", err)
	}
	if !result.Counted {
		t.Fatalf("expected counted result")
	}
	if result.Tokens != len([]rune("hello")) {
		t.Fatalf("expected %d tokens, got %d", len([]rune("hello")), result.Tokens)
	}
}

func TestCountBytesBinarySkipsCounter(t *testing.T) {
	counter := &testCounter{}
	result, err := CountBytes(counter, []byte{0x00, 0x01, 0x02})
	if err != nil {
		t.Fatalf("CountBytes error: %v", err)
	}
	if result.Counted || result.Tokens != 0 {
		t.Fatalf("expected binary data to be skipped, got %+v", result)
	}
	if counter.calls != 0 {
		t.Fatalf("expected counter not to be invoked, got %d calls", counter.calls)
	}
}

func TestCountBytesEmpty(t *testing.T) {
	result, err := CountBytes(&testCounter{}, nil)
	if err != nil {
		t.Fatalf("CountBytes error: %v", err)
	}
	if !result.Counted || result.Tokens != 0 {
		t.Fatalf("expected empty input to count as zero tokens, got %+v", result)
	}
}

func TestCountBytesInvalidUTF8IsStillCounted(t *testing.T) {
	result, err := CountBytes(&testCounter{}, []byte{'a', 0xff, 'b'})
	if err != nil {
		t.Fatalf("CountBytes error: %v", err)
	}
	if !result.Counted || result.Tokens != 3 {
		t.Fatalf("expected lossy decoding to yield 3 runes, got %+v", result)
	}
}

func TestCountBytesNilCounter(t *testing.T) {
	if _, err := CountBytes(nil, []byte("x")); err == nil {
		t.Fatalf("expected error for nil counter")
	}
}

func TestCountFileMissing(t *testing.T) {
	if _, err := CountFile(&testCounter{}, filepath.Join(t.TempDir(), "missing.txt"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestCountFileText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("abcd"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	result, err := CountFile(&testCounter{}, path, nil)
	if err != nil {
		t.Fatalf("CountFile error: %v", err)
	}
	if result.Tokens != 4 {
		t.Fatalf("expected 4 tokens, got %d", result.Tokens)
	}
}

func TestCountFileUsesReader(t *testing.T) {
	requested := ""
	reader := func(path string) ([]byte, error) {
		requested = path
		return []byte{0x00, 'x'}, nil
	}
	result, err := CountFile(&testCounter{}, "virtual.bin", reader)
	if err != nil {
		t.Fatalf("CountFile error: %v", err)
	}
	if requested != "virtual.bin" {
		t.Fatalf("expected reader to receive the path, got %q", requested)
	}
	if result.Counted || result.Tokens != 0 {
		t.Fatalf("expected binary content to be skipped, got %+v", result)
	}
}

func TestNewCounterDefault(t *testing.T) {
	counter, model, err := NewCounter(Config{})
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}
	if counter == nil {
		t.Fatalf("expected non-nil counter")
	}
	if model != DefaultModel {
		t.Fatalf("expected model %s, got %q", DefaultModel, model)
	}
	tokens, err := counter.CountString("hello world")
	if err != nil {
		t.Fatalf("CountString error: %v", err)
	}
	if tokens <= 0 {
		t.Fatalf("expected positive token count, got %d", tokens)
	}
}

func TestNewCounterUnknownModelFallsBack(t *testing.T) {
	counter, model, err := NewCounter(Config{Model: "mystery-model"})
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}
	if model != defaultEncodingName || counter.Name() != defaultEncodingName {
		t.Fatalf("expected fallback %s, got %q/%q", defaultEncodingName, model, counter.Name())
	}
}

func TestTiktokenCounterRequiresEncoding(t *testing.T) {
	if _, err := (tiktokenCounter{name: "empty"}).CountString("x"); err == nil {
		t.Fatalf("expected error for missing encoding")
	}
}
