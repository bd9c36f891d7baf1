package cli

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/reposnap/internal/services/watch"
	"github.com/temirov/reposnap/internal/types"
)

const (
	watchUse              = "watch [path]"
	watchAlias            = "w"
	watchShortDescription = "stream file system changes as NDJSON (" + watchAlias + ")"
	watchLongDescription  = `Watch a directory and print one JSON line per debounced batch of changes.
Ignored paths never appear. The command runs until interrupted.`
	watchUsageExample = `  # Watch the current directory
  reposnap watch

  # Watch a service, skipping generated code
  reposnap watch -e gen/ ./service`
)

// newBatchWriter returns an emitter encoding each batch as one JSON line.
func newBatchWriter(output io.Writer, logger *zap.Logger) watch.Emitter {
	var mutex sync.Mutex
	encoder := json.NewEncoder(output)
	return watch.EmitterFunc(func(batch types.ChangeBatch) {
		mutex.Lock()
		defer mutex.Unlock()
		if encodeError := encoder.Encode(batch); encodeError != nil {
			logger.Warn("write change batch", zap.String("watch_id", batch.WatchID), zap.Error(encodeError))
		}
	})
}

// createWatchCommand returns the watch subcommand.
func createWatchCommand(app *application) *cobra.Command {
	var pathConfiguration pathOptions

	watchCommand := &cobra.Command{
		Use:     watchUse,
		Aliases: []string{watchAlias},
		Short:   watchShortDescription,
		Long:    watchLongDescription,
		Example: watchUsageExample,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			directory := defaultPath
			if len(arguments) == 1 {
				directory = arguments[0]
			}
			session, sessionError := app.openSession(sessionOptions{
				ignore:  pathConfiguration.resolve(command, app.configuration.IgnoreOptions()),
				emitter: newBatchWriter(app.stdout, app.logger),
			})
			if sessionError != nil {
				return sessionError
			}
			defer app.closeSession(session)

			watchID, startError := session.StartWatch(directory)
			if startError != nil {
				return startError
			}
			_, root, _ := session.ActiveWatch()
			app.logger.Info("watching", zap.String("root", root), zap.String("watch_id", watchID))
			<-command.Context().Done()
			app.logger.Info("watch stopped", zap.String("watch_id", watchID))
			return nil
		},
	}
	addPathFlags(watchCommand, &pathConfiguration)
	return watchCommand
}
