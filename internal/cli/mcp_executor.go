package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/reposnap/internal/commands"
	"github.com/temirov/reposnap/internal/config"
	"github.com/temirov/reposnap/internal/ignore"
	"github.com/temirov/reposnap/internal/services/mcp"
	"github.com/temirov/reposnap/internal/services/tokens"
	"github.com/temirov/reposnap/internal/services/watch"
	"github.com/temirov/reposnap/internal/services/workspace"
	"github.com/temirov/reposnap/internal/types"
)

const (
	serveUse              = "serve"
	serveShortDescription = "serve reposnap commands over HTTP"
	serveLongDescription  = `Start the command server.
Clients list commands with GET /capabilities, run them with POST /commands/{name}
and receive watch change batches as NDJSON from GET /events.`
	addressFlagName        = "address"
	addressFlagDescription = "listen address; port 0 selects a free port"
	serverListeningPrefix  = "reposnap server listening on "

	commandTree       = "tree"
	commandCountFile  = "count_file"
	commandCountFiles = "count_files"
	commandWatchStart = "watch_start"
	commandWatchStop  = "watch_stop"
	commandCacheClear = "cache_clear"

	errorPathRequired  = "path is required"
	errorPathsRequired = "paths are required"
)

type treeRequest struct {
	Path     string   `json:"path"`
	Tokens   *bool    `json:"tokens"`
	Rollup   *bool    `json:"rollup"`
	Uncached *bool    `json:"uncached"`
	Selected []string `json:"selected"`
}

type pathRequest struct {
	Path string `json:"path"`
}

type pathsRequest struct {
	Paths []string `json:"paths"`
}

type countFileResult struct {
	Path   string `json:"path"`
	Tokens int    `json:"tokens"`
}

type watchResult struct {
	WatchID string `json:"watchId,omitempty"`
	Root    string `json:"root,omitempty"`
	Active  bool   `json:"active"`
}

type cacheClearResult struct {
	Cleared bool `json:"cleared"`
}

// createServeCommand returns the serve subcommand.
func createServeCommand(app *application) *cobra.Command {
	var pathConfiguration pathOptions
	var address string

	serveCommand := &cobra.Command{
		Use:   serveUse,
		Short: serveShortDescription,
		Long:  serveLongDescription,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			listenAddress := address
			if listenAddress == "" {
				listenAddress = app.configuration.Server.Address
			}
			ignoreOptions := pathConfiguration.resolve(command, app.configuration.IgnoreOptions())
			return app.startCommandServer(command.Context(), listenAddress, ignoreOptions, app.stdout)
		},
	}
	addPathFlags(serveCommand, &pathConfiguration)
	serveCommand.Flags().StringVar(&address, addressFlagName, "", addressFlagDescription)
	return serveCommand
}

// startCommandServer serves one session until ctx is canceled. The bound
// address is written to output once the listener is ready.
func (app *application) startCommandServer(ctx context.Context, address string, ignoreOptions ignore.Options, output io.Writer) error {
	broadcaster := mcp.NewBroadcaster()
	session, sessionError := app.openSession(sessionOptions{ignore: ignoreOptions, emitter: app.newEventEmitter(broadcaster)})
	if sessionError != nil {
		return sessionError
	}
	defer app.closeSession(session)

	server := mcp.NewServer(mcp.Config{
		Address:      address,
		Capabilities: commandCapabilities(),
		Executors:    commandExecutors(session),
		Events:       broadcaster,
		Logger:       app.logger,
	})
	return server.Run(ctx, func(boundAddress string) {
		app.logger.Info("command server started", zap.String("address", boundAddress))
		_, _ = fmt.Fprintln(output, serverListeningPrefix+boundAddress)
	})
}

// newEventEmitter forwards change batches to event listeners and logs batches
// that nobody receives.
func (app *application) newEventEmitter(broadcaster *mcp.Broadcaster) watch.Emitter {
	return watch.EmitterFunc(func(batch types.ChangeBatch) {
		if broadcaster.Listeners() == 0 {
			app.logger.Debug("dropping change batch without event listeners",
				zap.String("watch_id", batch.WatchID),
				zap.Int("events", len(batch.Events)))
			return
		}
		broadcaster.Emit(batch)
	})
}

func commandCapabilities() []mcp.Capability {
	return []mcp.Capability{
		{Name: commandTree, Description: "Build the ignore-aware tree of a directory, optionally with token counts"},
		{Name: commandCountFile, Description: "Count tokens for one file through the token cache"},
		{Name: commandCountFiles, Description: "Count tokens for many files through the token cache"},
		{Name: commandWatchStart, Description: "Watch a directory, replacing any running watch; batches stream from /events"},
		{Name: commandWatchStop, Description: "Stop the running watch"},
		{Name: commandCacheClear, Description: "Remove every cached token count"},
	}
}

// sessionExecutors binds command executors to one session.
type sessionExecutors struct {
	session *workspace.Session
}

func commandExecutors(session *workspace.Session) map[string]mcp.CommandExecutor {
	executors := sessionExecutors{session: session}
	return map[string]mcp.CommandExecutor{
		commandTree:       mcp.CommandExecutorFunc(executors.executeTree),
		commandCountFile:  mcp.CommandExecutorFunc(executors.executeCountFile),
		commandCountFiles: mcp.CommandExecutorFunc(executors.executeCountFiles),
		commandWatchStart: mcp.CommandExecutorFunc(executors.executeWatchStart),
		commandWatchStop:  mcp.CommandExecutorFunc(executors.executeWatchStop),
		commandCacheClear: mcp.CommandExecutorFunc(executors.executeCacheClear),
	}
}

func (executors sessionExecutors) executeTree(commandContext context.Context, request mcp.CommandRequest) (mcp.CommandResponse, error) {
	var payload treeRequest
	if decodeErr := decodePayload(request.Payload, &payload); decodeErr != nil {
		return mcp.CommandResponse{}, mcp.NewCommandExecutionError(http.StatusBadRequest, fmt.Errorf("decode tree request: %w", decodeErr))
	}
	directory := strings.TrimSpace(payload.Path)
	if directory == "" {
		directory = defaultPath
	}
	options := workspace.TreeOptions{
		WithTokenCounts: config.BoolValue(payload.Tokens, false),
		Rollup:          payload.Rollup,
		Uncached:        config.BoolValue(payload.Uncached, false),
	}
	nodes, treeErr := executors.session.GetTreeWithOptions(commandContext, directory, options)
	if treeErr != nil {
		return mcp.CommandResponse{}, classifyError(fmt.Errorf("build tree: %w", treeErr))
	}
	if payload.Selected != nil {
		nodes = executors.session.FilterTree(nodes, absolutePaths(payload.Selected))
	}
	return mcp.CommandResponse{Result: nodes}, nil
}

func (executors sessionExecutors) executeCountFile(commandContext context.Context, request mcp.CommandRequest) (mcp.CommandResponse, error) {
	var payload pathRequest
	if decodeErr := decodePayload(request.Payload, &payload); decodeErr != nil {
		return mcp.CommandResponse{}, mcp.NewCommandExecutionError(http.StatusBadRequest, fmt.Errorf("decode count_file request: %w", decodeErr))
	}
	path := strings.TrimSpace(payload.Path)
	if path == "" {
		return mcp.CommandResponse{}, mcp.NewCommandExecutionError(http.StatusBadRequest, errors.New(errorPathRequired))
	}
	count, countErr := executors.session.CountFileTokens(commandContext, path)
	if countErr != nil {
		return mcp.CommandResponse{}, classifyError(fmt.Errorf("count tokens: %w", countErr))
	}
	return mcp.CommandResponse{Result: countFileResult{Path: path, Tokens: count}}, nil
}

func (executors sessionExecutors) executeCountFiles(commandContext context.Context, request mcp.CommandRequest) (mcp.CommandResponse, error) {
	var payload pathsRequest
	if decodeErr := decodePayload(request.Payload, &payload); decodeErr != nil {
		return mcp.CommandResponse{}, mcp.NewCommandExecutionError(http.StatusBadRequest, fmt.Errorf("decode count_files request: %w", decodeErr))
	}
	paths := sanitizePaths(payload.Paths)
	if len(paths) == 0 {
		return mcp.CommandResponse{}, mcp.NewCommandExecutionError(http.StatusBadRequest, errors.New(errorPathsRequired))
	}
	counts, countErr := executors.session.CountFilesTokens(commandContext, paths)
	if countErr != nil {
		return mcp.CommandResponse{}, classifyError(fmt.Errorf("count tokens: %w", countErr))
	}
	return mcp.CommandResponse{Result: counts}, nil
}

func (executors sessionExecutors) executeWatchStart(_ context.Context, request mcp.CommandRequest) (mcp.CommandResponse, error) {
	var payload pathRequest
	if decodeErr := decodePayload(request.Payload, &payload); decodeErr != nil {
		return mcp.CommandResponse{}, mcp.NewCommandExecutionError(http.StatusBadRequest, fmt.Errorf("decode watch_start request: %w", decodeErr))
	}
	directory := strings.TrimSpace(payload.Path)
	if directory == "" {
		directory = defaultPath
	}
	watchID, startErr := executors.session.StartWatch(directory)
	if startErr != nil {
		return mcp.CommandResponse{}, classifyError(fmt.Errorf("start watch: %w", startErr))
	}
	_, root, _ := executors.session.ActiveWatch()
	return mcp.CommandResponse{Result: watchResult{WatchID: watchID, Root: root, Active: true}}, nil
}

func (executors sessionExecutors) executeWatchStop(_ context.Context, _ mcp.CommandRequest) (mcp.CommandResponse, error) {
	watchID, root, active := executors.session.ActiveWatch()
	executors.session.StopWatch()
	var warnings []string
	if !active {
		warnings = append(warnings, "no watch was running")
	}
	return mcp.CommandResponse{Result: watchResult{WatchID: watchID, Root: root, Active: false}, Warnings: warnings}, nil
}

func (executors sessionExecutors) executeCacheClear(_ context.Context, _ mcp.CommandRequest) (mcp.CommandResponse, error) {
	if clearErr := executors.session.ClearCache(); clearErr != nil {
		return mcp.CommandResponse{}, mcp.NewCommandExecutionError(http.StatusInternalServerError, fmt.Errorf("clear cache: %w", clearErr))
	}
	return mcp.CommandResponse{Result: cacheClearResult{Cleared: true}}, nil
}

func decodePayload(raw json.RawMessage, target interface{}) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

// classifyError reports caller mistakes as 400 and everything else as 500.
func classifyError(err error) error {
	switch {
	case errors.Is(err, commands.ErrNotFound),
		errors.Is(err, commands.ErrNotDirectory),
		errors.Is(err, watch.ErrNotFound),
		errors.Is(err, watch.ErrNotDirectory),
		errors.Is(err, tokens.ErrFileMissing):
		return mcp.NewCommandExecutionError(http.StatusBadRequest, err)
	default:
		return mcp.NewCommandExecutionError(http.StatusInternalServerError, err)
	}
}

func sanitizePaths(input []string) []string {
	result := make([]string, 0, len(input))
	for _, path := range input {
		trimmed := strings.TrimSpace(path)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// absolutePaths resolves selections so they compare equal to tree node paths.
func absolutePaths(input []string) []string {
	result := make([]string, 0, len(input))
	for _, path := range sanitizePaths(input) {
		if absolutePath, absoluteErr := filepath.Abs(path); absoluteErr == nil {
			path = absolutePath
		}
		result = append(result, path)
	}
	return result
}
