// Package config loads reposnap settings from the global and local YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/temirov/reposnap/internal/ignore"
	"github.com/temirov/reposnap/internal/store"
	"github.com/temirov/reposnap/internal/utils"
)

// LoadOptions controls how application configuration is discovered.
type LoadOptions struct {
	WorkingDirectory string
	ExplicitFilePath string
}

// ApplicationConfiguration mirrors the YAML configuration file.
type ApplicationConfiguration struct {
	Tokens TokenConfiguration  `mapstructure:"tokens"`
	Cache  CacheConfiguration  `mapstructure:"cache"`
	Watch  WatchConfiguration  `mapstructure:"watch"`
	Tree   TreeConfiguration   `mapstructure:"tree"`
	Paths  PathConfiguration   `mapstructure:"paths"`
	Server ServerConfiguration `mapstructure:"server"`
}

// TokenConfiguration controls tokenizer selection and counting fan-out.
type TokenConfiguration struct {
	Model       string `mapstructure:"model"`
	Concurrency *int   `mapstructure:"concurrency"`
}

// CacheConfiguration controls the token cache and its store.
type CacheConfiguration struct {
	Capacity *int   `mapstructure:"capacity"`
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
}

// WatchConfiguration controls change notification.
type WatchConfiguration struct {
	Debounce string `mapstructure:"debounce"`
}

// TreeConfiguration controls tree annotation.
type TreeConfiguration struct {
	Rollup *bool `mapstructure:"rollup"`
}

// PathConfiguration configures inclusion and exclusion rules for path traversal.
type PathConfiguration struct {
	Exclude       []string `mapstructure:"exclude"`
	UseGitignore  *bool    `mapstructure:"use_gitignore"`
	UseIgnoreFile *bool    `mapstructure:"use_ignore"`
}

// ServerConfiguration controls the command server.
type ServerConfiguration struct {
	Address string `mapstructure:"address"`
}

// LoadApplicationConfiguration loads configuration from global and local files.
func LoadApplicationConfiguration(options LoadOptions) (ApplicationConfiguration, error) {
	workingDirectory := options.WorkingDirectory
	if workingDirectory == "" {
		currentDirectory, err := os.Getwd()
		if err != nil {
			return ApplicationConfiguration{}, fmt.Errorf("determine working directory: %w", err)
		}
		workingDirectory = currentDirectory
	}

	var merged ApplicationConfiguration

	if globalDirectory, err := utils.GlobalDirectory(); err == nil {
		globalPath := filepath.Join(globalDirectory, utils.GlobalConfigFileName)
		globalConfig, loadErr := loadConfigurationFromPath(globalPath)
		if loadErr != nil {
			return ApplicationConfiguration{}, loadErr
		}
		merged = merged.Merge(globalConfig)
	}

	localPath, resolveErr := resolveLocalConfigPath(workingDirectory, options.ExplicitFilePath)
	if resolveErr != nil {
		return ApplicationConfiguration{}, resolveErr
	}
	if localPath != "" {
		localConfig, loadErr := loadConfigurationFromPath(localPath)
		if loadErr != nil {
			return ApplicationConfiguration{}, loadErr
		}
		merged = merged.Merge(localConfig)
	}

	merged.Paths.Exclude = utils.DeduplicatePatterns(merged.Paths.Exclude)
	if validationErr := merged.Validate(); validationErr != nil {
		return ApplicationConfiguration{}, validationErr
	}
	return merged, nil
}

func resolveLocalConfigPath(workingDirectory, explicitPath string) (string, error) {
	if explicitPath != "" {
		if filepath.IsAbs(explicitPath) {
			return explicitPath, nil
		}
		if workingDirectory == "" {
			absolute, err := filepath.Abs(explicitPath)
			if err != nil {
				return "", fmt.Errorf("resolve configuration path %s: %w", explicitPath, err)
			}
			return absolute, nil
		}
		return filepath.Join(workingDirectory, explicitPath), nil
	}
	if workingDirectory == "" {
		return "", nil
	}
	return filepath.Join(workingDirectory, utils.ConfigFileName), nil
}

func loadConfigurationFromPath(path string) (ApplicationConfiguration, error) {
	if path == "" {
		return ApplicationConfiguration{}, nil
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return ApplicationConfiguration{}, nil
		}
		return ApplicationConfiguration{}, fmt.Errorf("stat configuration %s: %w", path, statErr)
	}
	if info.IsDir() {
		return ApplicationConfiguration{}, fmt.Errorf("configuration path %s is a directory", path)
	}

	reader := viper.New()
	reader.SetConfigFile(path)
	reader.SetConfigType("yaml")
	if readErr := reader.ReadInConfig(); readErr != nil {
		return ApplicationConfiguration{}, fmt.Errorf("read configuration from %s: %w", path, readErr)
	}
	var config ApplicationConfiguration
	if decodeErr := reader.Unmarshal(&config); decodeErr != nil {
		return ApplicationConfiguration{}, fmt.Errorf("decode configuration from %s: %w", path, decodeErr)
	}
	return config, nil
}

// Merge overlays override onto the receiver returning the combined configuration.
func (config ApplicationConfiguration) Merge(override ApplicationConfiguration) ApplicationConfiguration {
	result := config
	if override.Tokens.Model != "" {
		result.Tokens.Model = override.Tokens.Model
	}
	if override.Tokens.Concurrency != nil {
		result.Tokens.Concurrency = cloneInt(override.Tokens.Concurrency)
	}
	if override.Cache.Capacity != nil {
		result.Cache.Capacity = cloneInt(override.Cache.Capacity)
	}
	if override.Cache.Backend != "" {
		result.Cache.Backend = override.Cache.Backend
	}
	if override.Cache.Path != "" {
		result.Cache.Path = override.Cache.Path
	}
	if override.Watch.Debounce != "" {
		result.Watch.Debounce = override.Watch.Debounce
	}
	if override.Tree.Rollup != nil {
		result.Tree.Rollup = cloneBool(override.Tree.Rollup)
	}
	result.Paths = result.Paths.merge(override.Paths)
	if override.Server.Address != "" {
		result.Server.Address = override.Server.Address
	}
	return result
}

func (config PathConfiguration) merge(override PathConfiguration) PathConfiguration {
	result := config
	if len(override.Exclude) > 0 {
		result.Exclude = append([]string{}, utils.DeduplicatePatterns(override.Exclude)...)
	}
	if override.UseGitignore != nil {
		result.UseGitignore = cloneBool(override.UseGitignore)
	}
	if override.UseIgnoreFile != nil {
		result.UseIgnoreFile = cloneBool(override.UseIgnoreFile)
	}
	return result
}

// Validate reports values that cannot be applied.
func (config ApplicationConfiguration) Validate() error {
	if config.Tokens.Concurrency != nil && *config.Tokens.Concurrency < 0 {
		return fmt.Errorf("tokens.concurrency must not be negative, got %d", *config.Tokens.Concurrency)
	}
	if config.Cache.Capacity != nil && *config.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must not be negative, got %d", *config.Cache.Capacity)
	}
	switch strings.ToLower(config.Cache.Backend) {
	case "", store.BackendFile, store.BackendBolt, store.BackendMemory:
	default:
		return fmt.Errorf("cache.backend %q is not one of %s, %s, %s", config.Cache.Backend, store.BackendFile, store.BackendBolt, store.BackendMemory)
	}
	if _, debounceErr := config.DebounceDuration(); debounceErr != nil {
		return debounceErr
	}
	return nil
}

// DebounceDuration parses watch.debounce. Empty means zero, which selects the
// watcher default.
func (config ApplicationConfiguration) DebounceDuration() (time.Duration, error) {
	if strings.TrimSpace(config.Watch.Debounce) == "" {
		return 0, nil
	}
	duration, parseErr := time.ParseDuration(strings.TrimSpace(config.Watch.Debounce))
	if parseErr != nil {
		return 0, fmt.Errorf("parse watch.debounce %q: %w", config.Watch.Debounce, parseErr)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("watch.debounce must be positive, got %s", duration)
	}
	return duration, nil
}

// IgnoreOptions returns the ignore engine options, enabling both ignore files
// unless configured otherwise.
func (config ApplicationConfiguration) IgnoreOptions() ignore.Options {
	options := ignore.DefaultOptions()
	if config.Paths.UseGitignore != nil {
		options.UseGitignore = *config.Paths.UseGitignore
	}
	if config.Paths.UseIgnoreFile != nil {
		options.UseIgnoreFile = *config.Paths.UseIgnoreFile
	}
	options.Exclude = append([]string{}, config.Paths.Exclude...)
	return options
}

// IntValue dereferences value or returns fallback.
func IntValue(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}

// BoolValue dereferences value or returns fallback.
func BoolValue(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

func cloneBool(value *bool) *bool {
	if value == nil {
		return nil
	}
	cloned := *value
	return &cloned
}

func cloneInt(value *int) *int {
	if value == nil {
		return nil
	}
	cloned := *value
	return &cloned
}
