package config

import (
	"os"
	"strings"

	"github.com/drone/envsubst"
	"github.com/imdario/mergo"
	yaml "github.com/jesseduffield/yaml"
	"github.com/spkg/bom"
)

// AppConfig contains the base configuration fields required for the daemon.
type AppConfig struct {
	Debug       bool   `long:"debug" env:"DEBUG" default:"false"`
	Version     string `long:"version" env:"VERSION" default:"unversioned"`
	Name        string `long:"name" env:"NAME" default:"arbiter"`
	PrintLogs   bool
	ExitFile    string
	ConfigFiles []string
	UserConfig  *Config
	Hostname    string
}

// NewAppConfig makes a new app config. Config files cascade left to right and
// the result has %H and ${VAR} substitution applied before validation.
func NewAppConfig(name, version string, debuggingFlag, printLogs bool, configFiles []string, exitFile, hostname string) (*AppConfig, error) {
	userConfig, err := loadConfigWithDefaults(configFiles, hostname)
	if err != nil {
		return nil, err
	}

	appConfig := &AppConfig{
		Name:        name,
		Version:     version,
		Debug:       debuggingFlag || os.Getenv("DEBUG") == "TRUE" || userConfig.General.DebugMode,
		PrintLogs:   printLogs,
		ExitFile:    exitFile,
		ConfigFiles: configFiles,
		UserConfig:  userConfig,
		Hostname:    hostname,
	}
	// the flag and the config key are interchangeable ways of asking for the
	// same behavior, so keep them consistent for everyone downstream
	appConfig.UserConfig.General.DebugMode = appConfig.Debug

	return appConfig, nil
}

func loadConfigWithDefaults(configFiles []string, hostname string) (*Config, error) {
	base := GetDefaultConfig()

	for _, fileName := range configFiles {
		overlay, err := loadConfigFile(fileName, hostname)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(&base, overlay, mergo.WithOverride); err != nil {
			return nil, err
		}
	}

	if err := base.Validate(); err != nil {
		return nil, err
	}
	return &base, nil
}

func loadConfigFile(fileName, hostname string) (Config, error) {
	var overlay Config

	content, err := os.ReadFile(fileName)
	if err != nil {
		return overlay, err
	}
	content = bom.Clean(content)

	substituted, err := substitute(string(content), hostname)
	if err != nil {
		return overlay, err
	}

	if err := yaml.Unmarshal([]byte(substituted), &overlay); err != nil {
		return overlay, err
	}
	return overlay, nil
}

// substitute expands ${VAR} references from the environment and replaces the
// %H token with the local hostname, the same substitutions admins have always
// been able to use in config values.
func substitute(content, hostname string) (string, error) {
	expanded, err := envsubst.EvalEnv(content)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(expanded, "%H", hostname), nil
}
