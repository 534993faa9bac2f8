package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// findConfigFile finds the config file to use.
// Priority: explicit path > dataglass.yaml > dataglass.yml
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range []string{"dataglass.yaml", "dataglass.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Load loads configuration from file, environment variables, and flags.
// Precedence (highest to lowest): flags > env vars > config file >
// defaults.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"fetch.batch_size":  DefaultBatchSize,
		"fetch.pagination":  true,
		"fetch.max_retries": DefaultMaxRetries,
		"fetch.retry_base":  DefaultRetryBase,
		"fetch.retry_cap":   DefaultRetryCap,
		"fetch.timeout":     DefaultTimeout,
		"display.page_size": DefaultPageSize,
		"mirror.path":       DefaultMirrorPath,
		"state_path":        DefaultStateFile,
		"server.host":       DefaultServerHost,
		"server.port":       DefaultServerPort,
		"verbose":           false,
		"output":            DefaultOutput,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(cfgFile); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// DATAGLASS_FETCH_BATCH_SIZE -> fetch.batch_size. The first
	// underscore separates the section; the rest stay in the key.
	if err := k.Load(env.Provider("DATAGLASS_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "DATAGLASS_"))
		for _, section := range []string{"fetch_", "display_", "mirror_", "server_"} {
			if strings.HasPrefix(key, section) {
				return strings.TrimSuffix(section, "_") + "." + strings.TrimPrefix(key, section)
			}
		}
		return key
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return flagKey(f.Name), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	for i := range cfg.Connections {
		ApplyConnectionDefaults(&cfg.Connections[i])
	}
	return &cfg, nil
}

// flagKey maps a CLI flag name onto its config key.
func flagKey(name string) string {
	switch name {
	case "batch-size":
		return "fetch.batch_size"
	case "page-size":
		return "display.page_size"
	case "mirror":
		return "mirror.path"
	case "state":
		return "state_path"
	case "port":
		return "server.port"
	case "host":
		return "server.host"
	case "output":
		return "output"
	case "verbose":
		return "verbose"
	default:
		return strings.ReplaceAll(name, "-", "_")
	}
}
