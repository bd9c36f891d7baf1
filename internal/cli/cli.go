// Package cli provides the command line interface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/reposnap/internal/config"
	"github.com/temirov/reposnap/internal/ignore"
	"github.com/temirov/reposnap/internal/output"
	"github.com/temirov/reposnap/internal/services/watch"
	"github.com/temirov/reposnap/internal/services/workspace"
	"github.com/temirov/reposnap/internal/utils"
)

const (
	configFlagName       = "config"
	verboseFlagName      = "verbose"
	exclusionFlagName    = "e"
	gitignoreFlagName    = "gitignore"
	ignoreFileFlagName   = "ignore"
	tokensFlagName       = "tokens"
	rollupFlagName       = "rollup"
	noCacheFlagName      = "no-cache"
	modelFlagName        = "model"
	formatFlagName       = "format"
	globalFlagName       = "global"
	forceFlagName        = "force"
	versionTemplate      = "reposnap version: {{.Version}}\n"
	defaultPath          = "."
	rootUse              = "reposnap"
	rootShortDescription = "reposnap command line interface"
	rootLongDescription  = `reposnap keeps a live, token-annotated view of a directory tree.
It builds ignore-aware trees, counts tokens through a persistent cache and reports debounced file system changes.
Use --config to select a configuration file and --verbose for debug logging.`

	treeUse              = "tree [path]"
	treeAlias            = "t"
	treeShortDescription = "print the directory tree as JSON (" + treeAlias + ")"
	treeLongDescription  = `Build the ignore-aware tree of a directory and print it as JSON.
Use --tokens to annotate files with token counts and --rollup to sum them into directories.`
	treeUsageExample = `  # Tree of the current directory with token counts
  reposnap tree --tokens

  # Exclude vendor and count without the cache
  reposnap tree -e vendor/ --tokens --no-cache ./service

  # Render a text tree with directory totals
  reposnap tree --format raw --tokens --rollup`

	tokensUse              = "tokens <files...>"
	tokensShortDescription = "count tokens for files"
	tokensUsageExample     = `  reposnap tokens main.go go.mod`

	cacheUse                   = "cache"
	cacheShortDescription      = "manage the token cache"
	cacheClearUse              = "clear"
	cacheClearShortDescription = "remove every cached token count"
	cacheClearedMessage        = "token cache cleared"

	configUse                  = "config"
	configShortDescription     = "manage reposnap configuration"
	configInitUse              = "init"
	configInitShortDescription = "write the default configuration file"
	configWrittenFormat        = "configuration written to %s\n"

	configFlagDescription     = "configuration file to use instead of " + utils.ConfigFileName
	verboseFlagDescription    = "enable debug logging"
	exclusionFlagDescription  = "exclude path pattern"
	gitignoreFlagDescription  = "apply the root .gitignore"
	ignoreFileFlagDescription = "apply the root " + utils.IgnoreFileName
	tokensFlagDescription     = "include token counts"
	rollupFlagDescription     = "sum token counts into directories"
	noCacheFlagDescription    = "count tokens without reading or writing the cache"
	modelFlagDescription      = "tokenizer model to use for token counting"
	formatFlagDescription     = "output format: json or raw"
	invalidFormatMessage      = "invalid format value '%s'"
	globalFlagDescription     = "write the global configuration instead of the local one"
	forceFlagDescription      = "overwrite an existing configuration file"

	workingDirectoryErrorFormat = "unable to determine working directory: %w"
	encodeOutputErrorFormat     = "encode output: %w"
	closeSessionWarning         = "close session"
)

// application carries state shared by every command of one invocation.
type application struct {
	configurationPath string
	verbose           bool
	stdout            io.Writer
	logger            *zap.Logger
	configuration     config.ApplicationConfiguration
	// dependencies are handed to every session; tests inject stores and counters here.
	dependencies workspace.Dependencies
}

// Execute runs the reposnap application. Interrupts cancel long-running commands.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	app := &application{stdout: os.Stdout}
	rootCommand := createRootCommand(app)
	rootCommand.SetArgs(normalizeBooleanFlagArguments(rootCommand, os.Args[1:]))
	executionError := rootCommand.ExecuteContext(ctx)
	if app.logger != nil {
		_ = app.logger.Sync()
	}
	return executionError
}

// createRootCommand builds the root Cobra command.
func createRootCommand(app *application) *cobra.Command {
	rootCommand := &cobra.Command{
		Use:          rootUse,
		Short:        rootShortDescription,
		Long:         rootLongDescription,
		Version:      utils.GetApplicationVersion(),
		SilenceUsage: true,
		RunE: func(command *cobra.Command, arguments []string) error {
			return command.Help()
		},
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			if err := app.initializeLogger(); err != nil {
				return err
			}
			return app.loadConfiguration()
		},
	}
	rootCommand.SetVersionTemplate(versionTemplate)
	rootCommand.PersistentFlags().StringVar(&app.configurationPath, configFlagName, "", configFlagDescription)
	registerBooleanFlag(rootCommand.PersistentFlags(), &app.verbose, verboseFlagName, false, verboseFlagDescription)
	rootCommand.AddCommand(
		createTreeCommand(app),
		createTokensCommand(app),
		createWatchCommand(app),
		createCacheCommand(app),
		createServeCommand(app),
		createConfigCommand(app),
	)
	rootCommand.InitDefaultHelpCmd()
	rootCommand.InitDefaultCompletionCmd()
	return rootCommand
}

func (app *application) initializeLogger() error {
	if app.logger != nil {
		return nil
	}
	logger, loggerError := utils.NewApplicationLogger(app.verbose)
	if loggerError != nil {
		return fmt.Errorf(utils.LoggerInitializationFailedMessageFormat, loggerError)
	}
	app.logger = logger
	return nil
}

func (app *application) loadConfiguration() error {
	workingDirectory, workingDirectoryError := os.Getwd()
	if workingDirectoryError != nil {
		return fmt.Errorf(workingDirectoryErrorFormat, workingDirectoryError)
	}
	configuration, loadError := config.LoadApplicationConfiguration(config.LoadOptions{
		WorkingDirectory: workingDirectory,
		ExplicitFilePath: app.configurationPath,
	})
	if loadError != nil {
		return loadError
	}
	app.configuration = configuration
	return nil
}

// sessionOptions are per-command overrides of the loaded configuration.
type sessionOptions struct {
	model   string
	ignore  ignore.Options
	emitter watch.Emitter
}

func (app *application) workspaceConfig(options sessionOptions) (workspace.Config, error) {
	debounce, debounceError := app.configuration.DebounceDuration()
	if debounceError != nil {
		return workspace.Config{}, debounceError
	}
	model := options.model
	if model == "" {
		model = app.configuration.Tokens.Model
	}
	return workspace.Config{
		Model:         model,
		Concurrency:   config.IntValue(app.configuration.Tokens.Concurrency, 0),
		CacheCapacity: config.IntValue(app.configuration.Cache.Capacity, 0),
		CacheBackend:  app.configuration.Cache.Backend,
		CachePath:     app.configuration.Cache.Path,
		Debounce:      debounce,
		Ignore:        options.ignore,
		Rollup:        config.BoolValue(app.configuration.Tree.Rollup, false),
	}, nil
}

func (app *application) openSession(options sessionOptions) (*workspace.Session, error) {
	sessionConfig, configError := app.workspaceConfig(options)
	if configError != nil {
		return nil, configError
	}
	dependencies := app.dependencies
	dependencies.Logger = app.logger
	dependencies.Emitter = options.emitter
	return workspace.New(sessionConfig, dependencies)
}

func (app *application) closeSession(session *workspace.Session) {
	if closeError := session.Close(); closeError != nil {
		app.logger.Warn(closeSessionWarning, zap.Error(closeError))
	}
}

func (app *application) writeJSON(payload interface{}) error {
	encoder := json.NewEncoder(app.stdout)
	encoder.SetIndent("", "  ")
	if encodeError := encoder.Encode(payload); encodeError != nil {
		return fmt.Errorf(encodeOutputErrorFormat, encodeError)
	}
	return nil
}

// pathOptions stores configuration for path-related flags.
type pathOptions struct {
	exclusionPatterns []string
	useGitignore      bool
	useIgnoreFile     bool
}

// addPathFlags registers path-related flags on the command.
func addPathFlags(command *cobra.Command, options *pathOptions) {
	command.Flags().StringArrayVarP(&options.exclusionPatterns, exclusionFlagName, exclusionFlagName, nil, exclusionFlagDescription)
	registerBooleanFlag(command.Flags(), &options.useGitignore, gitignoreFlagName, true, gitignoreFlagDescription)
	registerBooleanFlag(command.Flags(), &options.useIgnoreFile, ignoreFileFlagName, true, ignoreFileFlagDescription)
}

// resolve layers the flags given on the command line over the configured options.
func (options pathOptions) resolve(command *cobra.Command, configured ignore.Options) ignore.Options {
	resolved := configured
	if command.Flags().Changed(gitignoreFlagName) {
		resolved.UseGitignore = options.useGitignore
	}
	if command.Flags().Changed(ignoreFileFlagName) {
		resolved.UseIgnoreFile = options.useIgnoreFile
	}
	exclusions := append([]string{}, configured.Exclude...)
	resolved.Exclude = utils.DeduplicatePatterns(append(exclusions, options.exclusionPatterns...))
	return resolved
}

// createTreeCommand returns the tree subcommand.
func createTreeCommand(app *application) *cobra.Command {
	var pathConfiguration pathOptions
	var withTokens bool
	var rollup bool
	var noCache bool
	var model string
	var outputFormat string

	treeCommand := &cobra.Command{
		Use:     treeUse,
		Aliases: []string{treeAlias},
		Short:   treeShortDescription,
		Long:    treeLongDescription,
		Example: treeUsageExample,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			directory := defaultPath
			if len(arguments) == 1 {
				directory = arguments[0]
			}
			outputFormatLower := strings.ToLower(outputFormat)
			if !output.IsSupportedFormat(outputFormatLower) {
				return fmt.Errorf(invalidFormatMessage, outputFormatLower)
			}
			session, sessionError := app.openSession(sessionOptions{
				model:  model,
				ignore: pathConfiguration.resolve(command, app.configuration.IgnoreOptions()),
			})
			if sessionError != nil {
				return sessionError
			}
			defer app.closeSession(session)

			treeOptions := workspace.TreeOptions{WithTokenCounts: withTokens, Uncached: noCache}
			if command.Flags().Changed(rollupFlagName) {
				treeOptions.Rollup = &rollup
			}
			nodes, treeError := session.GetTreeWithOptions(command.Context(), directory, treeOptions)
			if treeError != nil {
				return treeError
			}
			if outputFormatLower == output.FormatRaw {
				absoluteDirectory, absoluteError := filepath.Abs(directory)
				if absoluteError != nil {
					return absoluteError
				}
				return output.WriteTreeRaw(app.stdout, absoluteDirectory, nodes)
			}
			rendered, renderError := output.RenderJSON(nodes)
			if renderError != nil {
				return fmt.Errorf(encodeOutputErrorFormat, renderError)
			}
			_, writeError := fmt.Fprintln(app.stdout, rendered)
			return writeError
		},
	}

	addPathFlags(treeCommand, &pathConfiguration)
	registerBooleanFlag(treeCommand.Flags(), &withTokens, tokensFlagName, false, tokensFlagDescription)
	registerBooleanFlag(treeCommand.Flags(), &rollup, rollupFlagName, false, rollupFlagDescription)
	registerBooleanFlag(treeCommand.Flags(), &noCache, noCacheFlagName, false, noCacheFlagDescription)
	treeCommand.Flags().StringVar(&model, modelFlagName, "", modelFlagDescription)
	treeCommand.Flags().StringVar(&outputFormat, formatFlagName, output.FormatJSON, formatFlagDescription)
	return treeCommand
}

// createTokensCommand returns the tokens subcommand.
func createTokensCommand(app *application) *cobra.Command {
	var model string

	tokensCommand := &cobra.Command{
		Use:     tokensUse,
		Short:   tokensShortDescription,
		Example: tokensUsageExample,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			session, sessionError := app.openSession(sessionOptions{
				model:  model,
				ignore: app.configuration.IgnoreOptions(),
			})
			if sessionError != nil {
				return sessionError
			}
			defer app.closeSession(session)

			counts, countError := session.CountFilesTokens(command.Context(), arguments)
			if countError != nil {
				return countError
			}
			return app.writeJSON(counts)
		},
	}
	tokensCommand.Flags().StringVar(&model, modelFlagName, "", modelFlagDescription)
	return tokensCommand
}

// createCacheCommand returns the cache command group.
func createCacheCommand(app *application) *cobra.Command {
	cacheCommand := &cobra.Command{
		Use:   cacheUse,
		Short: cacheShortDescription,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return command.Help()
		},
	}
	clearCommand := &cobra.Command{
		Use:   cacheClearUse,
		Short: cacheClearShortDescription,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			session, sessionError := app.openSession(sessionOptions{ignore: app.configuration.IgnoreOptions()})
			if sessionError != nil {
				return sessionError
			}
			defer app.closeSession(session)
			if clearError := session.ClearCache(); clearError != nil {
				return clearError
			}
			_, writeError := fmt.Fprintln(app.stdout, cacheClearedMessage)
			return writeError
		},
	}
	cacheCommand.AddCommand(clearCommand)
	return cacheCommand
}

// createConfigCommand returns the config command group. It does not load the
// configuration it is about to write.
func createConfigCommand(app *application) *cobra.Command {
	var global bool
	var force bool

	configCommand := &cobra.Command{
		Use:   configUse,
		Short: configShortDescription,
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			return app.initializeLogger()
		},
		RunE: func(command *cobra.Command, arguments []string) error {
			return command.Help()
		},
	}
	initCommand := &cobra.Command{
		Use:   configInitUse,
		Short: configInitShortDescription,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			target := config.InitTargetLocal
			if global {
				target = config.InitTargetGlobal
			}
			writtenPath, initError := config.InitializeConfiguration(config.InitOptions{Target: target, Force: force})
			if initError != nil {
				return initError
			}
			_, writeError := fmt.Fprintf(app.stdout, configWrittenFormat, writtenPath)
			return writeError
		},
	}
	registerBooleanFlag(initCommand.Flags(), &global, globalFlagName, false, globalFlagDescription)
	registerBooleanFlag(initCommand.Flags(), &force, forceFlagName, false, forceFlagDescription)
	configCommand.AddCommand(initCommand)
	return configCommand
}
