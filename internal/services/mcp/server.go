// Package mcp exposes reposnap operations over a small HTTP command protocol.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/reposnap/internal/utils"
)

const (
	defaultListenAddress    = "127.0.0.1:0"
	defaultShutdownDuration = 5 * time.Second
	defaultMaxRequestBytes  = 1 << 20
	headerContentType       = "Content-Type"
	mimeTypeJSON            = "application/json"
	routeRoot               = "GET /{$}"
	routeCapabilities       = "GET /capabilities"
	routeCommand            = "POST /commands/{name}"
	routeEvents             = "GET /events"
	commandNameParameter    = "name"
	errorFieldName          = "error"
	errorCommandNotFound    = "command not found"
)

// Capability describes a command exposed by the server.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CommandRequest holds the raw payload supplied by clients.
type CommandRequest struct {
	Payload json.RawMessage
}

// CommandResponse contains the outcome of a command execution. Result is
// encoded as JSON.
type CommandResponse struct {
	Result   interface{} `json:"result,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
}

// CommandExecutor executes a command based on an incoming request.
type CommandExecutor interface {
	Execute(ctx context.Context, request CommandRequest) (CommandResponse, error)
}

// CommandExecutorFunc adapts a function into a CommandExecutor.
type CommandExecutorFunc func(context.Context, CommandRequest) (CommandResponse, error)

// Execute invokes the underlying function.
func (executor CommandExecutorFunc) Execute(ctx context.Context, request CommandRequest) (CommandResponse, error) {
	return executor(ctx, request)
}

// CommandExecutionError represents a failure accompanied by an HTTP status code.
type CommandExecutionError struct {
	statusCode int
	err        error
}

func (executionError CommandExecutionError) Error() string {
	return executionError.err.Error()
}

func (executionError CommandExecutionError) Unwrap() error {
	return executionError.err
}

// StatusCode reports the associated HTTP status code.
func (executionError CommandExecutionError) StatusCode() int {
	return executionError.statusCode
}

// NewCommandExecutionError attaches statusCode to err. A nil err stays nil.
func NewCommandExecutionError(statusCode int, err error) error {
	if err == nil {
		return nil
	}
	return CommandExecutionError{statusCode: statusCode, err: err}
}

// Config defines runtime options for the server.
type Config struct {
	Address         string
	Capabilities    []Capability
	Executors       map[string]CommandExecutor
	ShutdownTimeout time.Duration
	// MaxRequestBytes bounds command payloads; larger bodies get 413.
	MaxRequestBytes int64
	// Events, when set, is streamed to clients of GET /events.
	Events *Broadcaster
	Logger *zap.Logger
}

// Server serves capability metadata and executes commands over HTTP.
type Server struct {
	config Config
	logger *zap.Logger
}

// NewServer creates a new Server with defaults applied.
func NewServer(config Config) Server {
	normalized := config
	if normalized.Address == "" {
		normalized.Address = defaultListenAddress
	}
	if normalized.ShutdownTimeout <= 0 {
		normalized.ShutdownTimeout = defaultShutdownDuration
	}
	if normalized.MaxRequestBytes <= 0 {
		normalized.MaxRequestBytes = defaultMaxRequestBytes
	}
	if normalized.Capabilities == nil {
		normalized.Capabilities = []Capability{}
	}
	if normalized.Executors == nil {
		normalized.Executors = map[string]CommandExecutor{}
	}
	return Server{config: normalized, logger: utils.LoggerOrNop(normalized.Logger)}
}

// Handler returns the routes of the server.
func (server Server) Handler() http.Handler {
	router := http.NewServeMux()
	router.HandleFunc(routeRoot, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
	})
	router.HandleFunc(routeCapabilities, server.handleCapabilities)
	router.HandleFunc(routeCommand, server.handleCommand)
	if server.config.Events != nil {
		router.HandleFunc(routeEvents, server.handleEvents)
	}
	return router
}

// Run starts the server and blocks until the provided context is canceled.
// The notify callback receives the bound address once the listener is active.
func (server Server) Run(ctx context.Context, notify func(string)) error {
	listener, listenErr := net.Listen("tcp", server.config.Address)
	if listenErr != nil {
		return fmt.Errorf("listen on %s: %w", server.config.Address, listenErr)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: defaultShutdownDuration,
		// Streaming handlers end with the server instead of blocking Shutdown.
		BaseContext: func(net.Listener) context.Context {
			return groupCtx
		},
	}

	group.Go(func() error {
		serveErr := httpServer.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("serve commands: %w", serveErr)
		}
		return nil
	})

	if notify != nil {
		notify(listener.Addr().String())
	}

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.config.ShutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) && !errors.Is(shutdownErr, http.ErrServerClosed) {
			return fmt.Errorf("shutdown commands: %w", shutdownErr)
		}
		return nil
	})

	return group.Wait()
}

func (server Server) handleCapabilities(writer http.ResponseWriter, _ *http.Request) {
	payload := struct {
		Capabilities []Capability `json:"capabilities"`
	}{Capabilities: server.config.Capabilities}
	server.writeJSON(writer, http.StatusOK, payload)
}

func (server Server) handleCommand(writer http.ResponseWriter, request *http.Request) {
	commandName := request.PathValue(commandNameParameter)
	executor, found := server.config.Executors[commandName]
	if !found {
		server.writeJSON(writer, http.StatusNotFound, map[string]string{errorFieldName: errorCommandNotFound})
		return
	}
	body, readErr := io.ReadAll(http.MaxBytesReader(writer, request.Body, server.config.MaxRequestBytes))
	if readErr != nil {
		statusCode := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(readErr, &tooLarge) {
			statusCode = http.StatusRequestEntityTooLarge
		}
		server.writeJSON(writer, statusCode, map[string]string{errorFieldName: fmt.Sprintf("read request body: %v", readErr)})
		return
	}

	started := time.Now()
	commandResponse, executeErr := executor.Execute(request.Context(), CommandRequest{Payload: json.RawMessage(body)})
	if executeErr != nil {
		statusCode := statusCodeFromError(executeErr)
		server.logger.Warn("command failed",
			zap.String("command", commandName),
			zap.Int("status", statusCode),
			zap.Error(executeErr))
		server.writeJSON(writer, statusCode, map[string]string{errorFieldName: executeErr.Error()})
		return
	}
	server.logger.Debug("command executed",
		zap.String("command", commandName),
		zap.Duration("elapsed", time.Since(started)))
	server.writeJSON(writer, http.StatusOK, commandResponse)
}

func (server Server) writeJSON(writer http.ResponseWriter, statusCode int, payload interface{}) {
	var buffer bytes.Buffer
	if encodeErr := json.NewEncoder(&buffer).Encode(payload); encodeErr != nil {
		statusCode = http.StatusInternalServerError
		buffer.Reset()
		_ = json.NewEncoder(&buffer).Encode(map[string]string{errorFieldName: fmt.Sprintf("encode response: %v", encodeErr)})
	}
	writer.Header().Set(headerContentType, mimeTypeJSON)
	writer.WriteHeader(statusCode)
	if _, writeErr := writer.Write(buffer.Bytes()); writeErr != nil {
		server.logger.Debug("write response", zap.Error(writeErr))
	}
}

func statusCodeFromError(err error) int {
	var executionError CommandExecutionError
	if errors.As(err, &executionError) {
		return executionError.StatusCode()
	}
	return http.StatusInternalServerError
}
