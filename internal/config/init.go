package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/temirov/reposnap/internal/ignore"
	"github.com/temirov/reposnap/internal/utils"
)

// InitTarget identifies where configuration should be initialized.
type InitTarget string

const (
	// InitTargetLocal writes configuration into the working directory.
	InitTargetLocal InitTarget = "local"
	// InitTargetGlobal writes configuration into the global configuration directory.
	InitTargetGlobal InitTarget = "global"

	defaultConfigurationTemplate = `tokens:
  model: gpt-4o
  concurrency: 0
cache:
  capacity: 1000
  backend: file
  path: ""
watch:
  debounce: 500ms
tree:
  rollup: false
paths:
  exclude: []
  use_gitignore: true
  use_ignore: true
server:
  address: "127.0.0.1:0"
`
)

// InitOptions controls how configuration initialization behaves.
type InitOptions struct {
	Target           InitTarget
	Force            bool
	WorkingDirectory string
}

// DefaultConfiguration renders the configuration template followed by the
// built-in ignore rules as comments.
func DefaultConfiguration() string {
	var builder strings.Builder
	builder.WriteString(defaultConfigurationTemplate)
	builder.WriteString("# Built-in ignore rules, always applied before .gitignore and ")
	builder.WriteString(utils.IgnoreFileName)
	builder.WriteString(":\n")
	for _, pattern := range ignore.DefaultPatterns() {
		builder.WriteString("#   ")
		builder.WriteString(pattern.Pattern)
		if pattern.Kind == ignore.KindFile {
			builder.WriteString(" (files)")
		}
		builder.WriteString("\n")
	}
	return builder.String()
}

// InitializeConfiguration writes the default configuration to the requested target.
func InitializeConfiguration(options InitOptions) (string, error) {
	target := options.Target
	if target == "" {
		target = InitTargetLocal
	}
	var destinationPath string
	switch target {
	case InitTargetLocal:
		workingDirectory := options.WorkingDirectory
		if workingDirectory == "" {
			current, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("determine working directory for configuration: %w", err)
			}
			workingDirectory = current
		}
		destinationPath = filepath.Join(workingDirectory, utils.ConfigFileName)
	case InitTargetGlobal:
		configurationDirectory, err := utils.GlobalDirectory()
		if err != nil {
			return "", fmt.Errorf("resolve home directory for configuration: %w", err)
		}
		if err := os.MkdirAll(configurationDirectory, 0o755); err != nil {
			return "", fmt.Errorf("create configuration directory %s: %w", configurationDirectory, err)
		}
		destinationPath = filepath.Join(configurationDirectory, utils.GlobalConfigFileName)
	default:
		return "", fmt.Errorf("unsupported init target %q", target)
	}

	if _, err := os.Stat(destinationPath); err == nil {
		if !options.Force {
			return "", fmt.Errorf("configuration file already exists at %s", destinationPath)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("inspect configuration path %s: %w", destinationPath, err)
	}

	if err := os.WriteFile(destinationPath, []byte(DefaultConfiguration()), 0o600); err != nil {
		return "", fmt.Errorf("write configuration to %s: %w", destinationPath, err)
	}

	return destinationPath, nil
}
