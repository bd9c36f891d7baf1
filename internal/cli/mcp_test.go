package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/temirov/reposnap/internal/ignore"
	"github.com/temirov/reposnap/internal/services/mcp"
	"github.com/temirov/reposnap/internal/store"
	"github.com/temirov/reposnap/internal/types"
)

type commandEnvelope struct {
	Result   json.RawMessage `json:"result"`
	Warnings []string        `json:"warnings"`
	Error    string          `json:"error"`
}

func startTestServer(t *testing.T) string {
	t.Helper()
	app, _ := newTestApplication(t, store.Memory(), nil)
	app.configuration.Watch.Debounce = testWatchDebounce

	ctx, cancel := context.WithCancel(context.Background())
	output := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- app.startCommandServer(ctx, "127.0.0.1:0", ignore.DefaultOptions(), output)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("server shutdown error: %v", err)
		}
	})

	var address string
	waitFor(t, func() bool {
		for _, line := range strings.Split(output.String(), "\n") {
			if strings.HasPrefix(line, serverListeningPrefix) {
				address = strings.TrimPrefix(line, serverListeningPrefix)
				return true
			}
		}
		return false
	}, "server address")
	return "http://" + address
}

func postCommand(t *testing.T, baseURL string, name string, payload interface{}) (int, commandEnvelope) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	client := http.Client{Timeout: waitTimeout}
	response, err := client.Post(baseURL+"/commands/"+name, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", name, err)
	}
	defer response.Body.Close()
	var envelope commandEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode %s response: %v", name, err)
	}
	return response.StatusCode, envelope
}

func TestCommandServerServesCapabilities(t *testing.T) {
	baseURL := startTestServer(t)

	client := http.Client{Timeout: waitTimeout}
	response, err := client.Get(baseURL + "/capabilities")
	if err != nil {
		t.Fatalf("get capabilities: %v", err)
	}
	defer response.Body.Close()
	var body struct {
		Capabilities []mcp.Capability `json:"capabilities"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	expected := commandCapabilities()
	if len(body.Capabilities) != len(expected) {
		t.Fatalf("expected %d capabilities, got %d", len(expected), len(body.Capabilities))
	}
	for index, capability := range expected {
		if body.Capabilities[index] != capability {
			t.Fatalf("capability %d mismatch: got %+v, want %+v", index, body.Capabilities[index], capability)
		}
	}
}

func TestCommandServerExecutesCommands(t *testing.T) {
	rootDirectory := t.TempDir()
	mainPath := filepath.Join(rootDirectory, "src", "main.go")
	notesPath := filepath.Join(rootDirectory, "notes.txt")
	writeFixture(t, mainPath, "package main")
	writeFixture(t, notesPath, "notes")
	baseURL := startTestServer(t)

	status, envelope := postCommand(t, baseURL, commandTree, map[string]interface{}{
		"path":     rootDirectory,
		"tokens":   true,
		"rollup":   true,
		"selected": []string{mainPath},
	})
	if status != http.StatusOK {
		t.Fatalf("tree status %d: %s", status, envelope.Error)
	}
	var nodes []*types.TreeNode
	if err := json.Unmarshal(envelope.Result, &nodes); err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Name != "src" || nodes[0].TokenCount == nil || *nodes[0].TokenCount != len("package main") {
		t.Fatalf("unexpected filtered tree %+v", nodes)
	}

	status, envelope = postCommand(t, baseURL, commandCountFiles, map[string]interface{}{"paths": []string{mainPath, notesPath}})
	if status != http.StatusOK {
		t.Fatalf("count_files status %d: %s", status, envelope.Error)
	}
	var counts map[string]int
	if err := json.Unmarshal(envelope.Result, &counts); err != nil {
		t.Fatalf("decode counts: %v", err)
	}
	if counts[mainPath] != len("package main") || counts[notesPath] != len("notes") {
		t.Fatalf("unexpected counts %v", counts)
	}

	testCases := []struct {
		name           string
		command        string
		payload        interface{}
		expectedStatus int
	}{
		{name: "count_file_missing", command: commandCountFile, payload: map[string]string{"path": filepath.Join(rootDirectory, "absent.txt")}, expectedStatus: http.StatusBadRequest},
		{name: "count_file_without_path", command: commandCountFile, payload: map[string]string{}, expectedStatus: http.StatusBadRequest},
		{name: "count_file", command: commandCountFile, payload: map[string]string{"path": notesPath}, expectedStatus: http.StatusOK},
		{name: "count_files_empty", command: commandCountFiles, payload: map[string][]string{"paths": {" "}}, expectedStatus: http.StatusBadRequest},
		{name: "tree_not_directory", command: commandTree, payload: map[string]string{"path": notesPath}, expectedStatus: http.StatusBadRequest},
		{name: "watch_start_missing", command: commandWatchStart, payload: map[string]string{"path": filepath.Join(rootDirectory, "absent")}, expectedStatus: http.StatusBadRequest},
		{name: "cache_clear", command: commandCacheClear, payload: map[string]string{}, expectedStatus: http.StatusOK},
		{name: "watch_stop_idle", command: commandWatchStop, payload: map[string]string{}, expectedStatus: http.StatusOK},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, envelope := postCommand(t, baseURL, testCase.command, testCase.payload)
			if status != testCase.expectedStatus {
				t.Fatalf("expected status %d, got %d (%s)", testCase.expectedStatus, status, envelope.Error)
			}
		})
	}
}

func TestCommandServerStreamsWatchBatches(t *testing.T) {
	rootDirectory := t.TempDir()
	baseURL := startTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("subscribe to events: %v", err)
	}
	defer response.Body.Close()

	status, envelope := postCommand(t, baseURL, commandWatchStart, map[string]string{"path": rootDirectory})
	if status != http.StatusOK {
		t.Fatalf("watch_start status %d: %s", status, envelope.Error)
	}
	var started watchResult
	if err := json.Unmarshal(envelope.Result, &started); err != nil {
		t.Fatalf("decode watch result: %v", err)
	}
	if !started.Active || started.WatchID == "" {
		t.Fatalf("unexpected watch result %+v", started)
	}

	changedPath := filepath.Join(rootDirectory, "created.txt")
	if err := os.WriteFile(changedPath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(response.Body)
		if scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	var batch types.ChangeBatch
	select {
	case line := <-lines:
		if err := json.Unmarshal([]byte(line), &batch); err != nil {
			t.Fatalf("decode batch %q: %v", line, err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for change batch")
	}
	if batch.WatchID != started.WatchID || len(batch.Events) == 0 || batch.Events[0].Path != changedPath {
		t.Fatalf("unexpected batch %+v", batch)
	}

	status, envelope = postCommand(t, baseURL, commandWatchStop, map[string]string{})
	if status != http.StatusOK || len(envelope.Warnings) != 0 {
		t.Fatalf("watch_stop status %d warnings %v", status, envelope.Warnings)
	}
}

func TestEventEmitterDropsBatchesWithoutListeners(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	app, _ := newTestApplication(t, store.Memory(), zap.New(core))
	broadcaster := mcp.NewBroadcaster()
	emitter := app.newEventEmitter(broadcaster)

	batch := types.ChangeBatch{WatchID: "watch-1", Root: "/repo", Events: []types.ChangeEvent{{Path: "/repo/a.txt", Kind: types.ChangeKindModify}}}
	emitter.Emit(batch)
	if dropped := logs.FilterMessage("dropping change batch without event listeners").Len(); dropped != 1 {
		t.Fatalf("expected one dropped batch log entry, got %d", dropped)
	}

	batches, unsubscribe := broadcaster.Subscribe()
	defer unsubscribe()
	emitter.Emit(batch)
	select {
	case received := <-batches:
		if received.WatchID != batch.WatchID || len(received.Events) != 1 {
			t.Fatalf("unexpected batch %+v", received)
		}
	default:
		t.Fatalf("expected batch delivered to listener")
	}
	if dropped := logs.FilterMessage("dropping change batch without event listeners").Len(); dropped != 1 {
		t.Fatalf("expected no further drops, got %d", dropped)
	}
}
