package mcp

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/temirov/reposnap/internal/types"
)

const (
	mimeTypeNDJSON        = "application/x-ndjson"
	listenerBufferBatches = 16
)

// Broadcaster fans change batches out to connected event listeners. Batches are
// dropped when nobody listens or a listener's buffer is full.
type Broadcaster struct {
	mutex     sync.Mutex
	listeners map[chan types.ChangeBatch]struct{}
}

// NewBroadcaster returns a Broadcaster with no listeners.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[chan types.ChangeBatch]struct{})}
}

// Emit delivers batch to every listener without blocking.
func (broadcaster *Broadcaster) Emit(batch types.ChangeBatch) {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	for listener := range broadcaster.listeners {
		select {
		case listener <- batch:
		default:
		}
	}
}

// Subscribe registers a listener. The returned function unregisters it.
func (broadcaster *Broadcaster) Subscribe() (<-chan types.ChangeBatch, func()) {
	listener := make(chan types.ChangeBatch, listenerBufferBatches)
	broadcaster.mutex.Lock()
	broadcaster.listeners[listener] = struct{}{}
	broadcaster.mutex.Unlock()

	var once sync.Once
	return listener, func() {
		once.Do(func() {
			broadcaster.mutex.Lock()
			delete(broadcaster.listeners, listener)
			broadcaster.mutex.Unlock()
		})
	}
}

// Listeners reports how many listeners are connected.
func (broadcaster *Broadcaster) Listeners() int {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	return len(broadcaster.listeners)
}

// handleEvents streams one JSON line per change batch until the client leaves.
func (server Server) handleEvents(writer http.ResponseWriter, request *http.Request) {
	flusher, canFlush := writer.(http.Flusher)
	if !canFlush {
		server.writeJSON(writer, http.StatusInternalServerError, map[string]string{errorFieldName: "streaming unsupported"})
		return
	}
	batches, unsubscribe := server.config.Events.Subscribe()
	defer unsubscribe()

	writer.Header().Set(headerContentType, mimeTypeNDJSON)
	writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(writer)
	for {
		select {
		case <-request.Context().Done():
			return
		case batch := <-batches:
			if encodeErr := encoder.Encode(batch); encodeErr != nil {
				return
			}
			flusher.Flush()
		}
	}
}
