package common

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

const (
	// ConfigPathEnv points at an optional yaml/json config file
	ConfigPathEnv = "ORCHFS_CONFIG"
	// EnvPrefix is stripped from environment overrides: ORCHFS_SERVER__ADDRESS -> server.address
	EnvPrefix = "ORCHFS_"
)

//go:embed config.default.yaml
var defaultConfig []byte

// ConfigManager loads T from embedded defaults, an optional file and the environment.
type ConfigManager[T any] struct {
	path string

	mu       sync.RWMutex
	config   T
	handlers []func(T)
}

// NewConfigManager loads the configuration. path overrides ORCHFS_CONFIG when set.
func NewConfigManager[T any](path ...string) (*ConfigManager[T], error) {
	cm := &ConfigManager[T]{path: os.Getenv(ConfigPathEnv)}
	if len(path) > 0 && path[0] != "" {
		cm.path = path[0]
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg
	return cm, nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager[T]) GetConfig() T {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Path returns the config file in use, if any
func (cm *ConfigManager[T]) Path() string {
	return cm.path
}

// OnChange registers fn to be called with the new configuration after a reload.
func (cm *ConfigManager[T]) OnChange(fn func(T)) {
	cm.mu.Lock()
	cm.handlers = append(cm.handlers, fn)
	cm.mu.Unlock()
}

// Reload re-reads every source and notifies OnChange handlers.
func (cm *ConfigManager[T]) Reload() error {
	cfg, err := cm.load()
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.config = cfg
	handlers := append([]func(T){}, cm.handlers...)
	cm.mu.Unlock()

	for _, fn := range handlers {
		fn(cfg)
	}
	return nil
}

// Watch reloads the configuration whenever the config file changes.
// It is a no-op when no file is configured.
func (cm *ConfigManager[T]) Watch() error {
	if cm.path == "" {
		return nil
	}
	return file.Provider(cm.path).Watch(func(event interface{}, err error) {
		if err != nil {
			log.Warn().Err(err).Str("path", cm.path).Msg("config watch error")
			return
		}
		if err := cm.Reload(); err != nil {
			log.Warn().Err(err).Str("path", cm.path).Msg("config reload failed, keeping previous settings")
			return
		}
		log.Info().Str("path", cm.path).Msg("config reloaded")
	})
}

func (cm *ConfigManager[T]) load() (T, error) {
	var cfg T
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return cfg, fmt.Errorf("load default config: %w", err)
	}

	if cm.path != "" {
		parser := koanf.Parser(yaml.Parser())
		if strings.EqualFold(filepath.Ext(cm.path), ".json") {
			parser = json.Parser()
		}
		if err := k.Load(file.Provider(cm.path), parser); err != nil {
			return cfg, fmt.Errorf("load config file %s: %w", cm.path, err)
		}
	}

	// koanf keys are case sensitive; map the upper-cased env form back onto known keys.
	known := make(map[string]string)
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "__", "."))
		if actual, ok := known[key]; ok {
			return actual
		}
		return key
	})
	if err := k.Load(envProvider, nil); err != nil {
		return cfg, fmt.Errorf("load env config: %w", err)
	}

	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "key",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			WeaklyTypedInput: true,
			Result:           &cfg,
		},
	})
	if err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
