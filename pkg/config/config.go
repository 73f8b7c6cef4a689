// Package config implements the Config Resolver (C9): deep-merges
// defaults, built-in service templates, file, and env sources into the
// effective ServiceConfig for each discovered service.
package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/cuemby/vaultkeeper/pkg/log"
	"github.com/cuemby/vaultkeeper/pkg/types"
	"gopkg.in/yaml.v3"
)

// defaultConfig is applied before any other source.
func defaultConfig() types.ServiceConfig {
	return types.ServiceConfig{
		Global: types.GlobalConfig{Priority: 50},
	}
}

// builtinTemplates ships configuration for well-known self-hosted
// stacks, keyed by lowercased service name.
var builtinTemplates = map[string]types.ServiceConfig{
	"wordpress": {
		Database: types.DatabaseConfig{
			Type:              types.DatabaseMySQL,
			ContainerPatterns: []string{"*mysql*", "*mariadb*"},
		},
		Files: types.FilesConfig{
			DataPaths:  []string{"wp-content"},
			Exclusions: []string{"wp-content/cache/*", "wp-content/debug.log"},
		},
	},
	"nextcloud": {
		Database: types.DatabaseConfig{
			Type:              types.DatabasePostgres,
			ContainerPatterns: []string{"*postgres*", "*mysql*", "*mariadb*"},
		},
		Files: types.FilesConfig{
			DataPaths:        []string{"data", "config", "themes", "apps"},
			RequiresStopping: true,
			Exclusions:       []string{"data/appdata*/cache/*", "data/*/cache/*"},
		},
	},
	"homeassistant": {
		Database: types.DatabaseConfig{
			Type:              types.DatabaseSQLite,
			RequiresStopping:  true,
			ContainerPatterns: []string{"*home-assistant*", "*homeassistant*"},
		},
		Files: types.FilesConfig{
			DataPaths:        []string{"."},
			RequiresStopping: true,
			Exclusions:       []string{"tmp/*", "log/*", "deps/*", "tts/*"},
		},
	},
	// gitea is supplemented beyond the original's three templates: a
	// common self-hosted stack with the same postgres+bind-mount shape
	// as nextcloud.
	"gitea": {
		Database: types.DatabaseConfig{
			Type:              types.DatabasePostgres,
			ContainerPatterns: []string{"*postgres*", "*mysql*"},
		},
		Files: types.FilesConfig{
			DataPaths:  []string{"git", "gitea"},
			Exclusions: []string{"gitea/log/*"},
		},
	},
}

// Resolver produces effective ServiceConfigs by merging sources in
// precedence order: defaults < builtin template < file < env < explicit.
type Resolver struct {
	fileConfigs map[string]types.ServiceConfig
	envConfigs  map[string]types.ServiceConfig
	explicit    map[string]types.ServiceConfig
}

// NewResolver loads file and env sources eagerly; explicit overrides are
// added later via SetExplicit.
func NewResolver(configFilePath string) (*Resolver, error) {
	logger := log.WithComponent("config")

	r := &Resolver{
		fileConfigs: make(map[string]types.ServiceConfig),
		envConfigs:  make(map[string]types.ServiceConfig),
		explicit:    make(map[string]types.ServiceConfig),
	}

	if configFilePath != "" {
		cfgs, err := loadFile(configFilePath)
		if err != nil {
			logger.Warn().Err(err).Str("path", configFilePath).Msg("config file invalid, ignoring")
		} else {
			r.fileConfigs = cfgs
		}
	}

	r.envConfigs = loadFromEnv()

	return r, nil
}

// SetExplicit installs a programmatically supplied override for one
// service, the highest-precedence source.
func (r *Resolver) SetExplicit(service string, cfg types.ServiceConfig) {
	r.explicit[service] = cfg
}

// Resolve returns the effective config for service. If none of the
// configured sources name the service but containers are supplied, a
// heuristic config is synthesized from container image/mount shape.
func (r *Resolver) Resolve(service string, containers []types.Container) types.ServiceConfig {
	cfg := defaultConfig()
	key := strings.ToLower(service)

	matched := false
	if tmpl, ok := builtinTemplates[key]; ok {
		cfg = mergeServiceConfig(cfg, tmpl)
		matched = true
	}
	if file, ok := r.fileConfigs[service]; ok {
		cfg = mergeServiceConfig(cfg, file)
		matched = true
	}
	if env, ok := r.envConfigs[service]; ok {
		cfg = mergeServiceConfig(cfg, env)
		matched = true
	}
	if explicit, ok := r.explicit[service]; ok {
		cfg = mergeServiceConfig(cfg, explicit)
		matched = true
	}

	if !matched && len(containers) > 0 {
		cfg = mergeServiceConfig(cfg, heuristicConfig(containers))
	}

	return cfg
}

// mergeServiceConfig overrides base field-wise with any non-zero field
// set in override; this is the deep-merge spec.md §4.9 requires, made
// explicit over the known ServiceConfig schema rather than a generic
// map merge.
func mergeServiceConfig(base, override types.ServiceConfig) types.ServiceConfig {
	if override.Database.Type != "" {
		base.Database.Type = override.Database.Type
	}
	if override.Database.RequiresStopping {
		base.Database.RequiresStopping = true
	}
	if len(override.Database.ContainerPatterns) > 0 {
		base.Database.ContainerPatterns = override.Database.ContainerPatterns
	}
	if override.Database.Credentials != nil {
		base.Database.Credentials = override.Database.Credentials
	}

	if len(override.Files.DataPaths) > 0 {
		base.Files.DataPaths = override.Files.DataPaths
	}
	if override.Files.RequiresStopping {
		base.Files.RequiresStopping = true
	}
	if len(override.Files.Exclusions) > 0 {
		base.Files.Exclusions = append(append([]string{}, base.Files.Exclusions...), override.Files.Exclusions...)
	}

	if override.Global.Priority != 0 {
		base.Global.Priority = override.Global.Priority
	}
	if override.Global.ExcludeFromBackup {
		base.Global.ExcludeFromBackup = true
	}
	if override.Global.BackupRetention != nil {
		base.Global.BackupRetention = override.Global.BackupRetention
	}
	if override.Global.MixedRetention != nil {
		base.Global.MixedRetention = override.Global.MixedRetention
	}

	return base
}

// heuristicConfig synthesizes a best-effort config when nothing else
// matched the service, inferring database type from image names.
func heuristicConfig(containers []types.Container) types.ServiceConfig {
	cfg := defaultConfig()
	for _, c := range containers {
		lower := strings.ToLower(c.Image)
		switch {
		case strings.Contains(lower, "postgres"):
			cfg.Database.Type = types.DatabasePostgres
		case strings.Contains(lower, "mysql"), strings.Contains(lower, "mariadb"):
			cfg.Database.Type = types.DatabaseMySQL
		case strings.Contains(lower, "mongo"):
			cfg.Database.Type = types.DatabaseMongoDB
		case strings.Contains(lower, "redis"):
			cfg.Database.Type = types.DatabaseRedis
		}
	}
	return cfg
}

// loadFile parses a JSON or YAML config file: top-level map of
// service_name -> ServiceConfig. Unknown fields are ignored.
func loadFile(path string) (map[string]types.ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	out := make(map[string]types.ServiceConfig)
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// envPrefix is the prefix of the per-service JSON fragment variables,
// e.g. SERVICE_CONFIG_WORDPRESS.
const envPrefix = "SERVICE_CONFIG_"

func loadFromEnv() map[string]types.ServiceConfig {
	out := make(map[string]types.ServiceConfig)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, envPrefix) {
			continue
		}
		serviceName := strings.ToLower(strings.TrimPrefix(k, envPrefix))
		var cfg types.ServiceConfig
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			continue
		}
		out[serviceName] = cfg
	}
	return out
}
