package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/dubflow/pkg/logger"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Simulated SimulatedConfig `mapstructure:"simulated"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Apprise   AppriseConfig   `mapstructure:"apprise"`
	Library   []LibraryEntry  `mapstructure:"library"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StoreConfig struct {
	// Driver: "sqlite" (default) or "memory"
	Driver string `mapstructure:"driver"`
	// Path: SQLite database file (ignored for memory)
	Path string `mapstructure:"path"`
}

type PipelineConfig struct {
	// Strategy selects the stage executor: "simulated" (default) or "live".
	Strategy string `mapstructure:"strategy"`
	// Stages: ordered automatic stage names run before waiting_approval.
	// Empty means the built-in default sequence.
	Stages []string `mapstructure:"stages"`
	// MaxActiveJobs bounds the number of concurrently running jobs.
	MaxActiveJobs int `mapstructure:"max_active_jobs"`
}

type SimulatedConfig struct {
	// DurationsMs: fixed per-stage work time in milliseconds. Stages
	// without an entry fall back to DefaultDurationMs.
	DurationsMs map[string]int `mapstructure:"durations_ms"`
	// DefaultDurationMs applies to stages missing from DurationsMs.
	DefaultDurationMs int `mapstructure:"default_duration_ms"`
}

// Durations converts the millisecond map into time.Durations.
func (c SimulatedConfig) Durations() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.DurationsMs))
	for stage, ms := range c.DurationsMs {
		out[stage] = time.Duration(ms) * time.Millisecond
	}
	return out
}

type ProviderConfig struct {
	// BaseURL of the external localization provider API
	BaseURL string `mapstructure:"base_url"`
	// APIKey sent as Authorization bearer token
	APIKey string `mapstructure:"api_key"`
	// PollIntervalMs between task status polls
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	// StageTimeoutSec: overall per-stage upper bound
	StageTimeoutSec int `mapstructure:"stage_timeout_sec"`
	// RateLimitRPM caps status polls per minute (0 = no limit)
	RateLimitRPM int `mapstructure:"rate_limit_rpm"`
}

func (c ProviderConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c ProviderConfig) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSec) * time.Second
}

type AppriseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"` // Apprise API URL
	Key     string `mapstructure:"key"`      // Apprise config key
	Tag     string `mapstructure:"tag"`      // Tag to filter services
}

// LibraryEntry is one pre-registered source asset for the simulated executor,
// with canned localization results per target language.
type LibraryEntry struct {
	VideoID    string                  `mapstructure:"video_id"`
	Title      string                  `mapstructure:"title"`
	Transcript string                  `mapstructure:"transcript"`
	Languages  map[string]LibraryAsset `mapstructure:"languages"`
}

type LibraryAsset struct {
	Translation string `mapstructure:"translation"`
	AudioURL    string `mapstructure:"audio_url"`
	VideoURL    string `mapstructure:"video_url"`
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/dubflow.db"
	}
	if cfg.Pipeline.Strategy == "" {
		cfg.Pipeline.Strategy = "simulated"
	}
	if cfg.Pipeline.MaxActiveJobs == 0 {
		cfg.Pipeline.MaxActiveJobs = 16
	}
	if cfg.Simulated.DefaultDurationMs == 0 {
		cfg.Simulated.DefaultDurationMs = 2000
	}
	if cfg.Simulated.DurationsMs == nil {
		cfg.Simulated.DurationsMs = map[string]int{
			"downloading":  1000,
			"transcribing": 5000,
			"translating":  3000,
			"dubbing":      8000,
			"lip_sync":     10000,
			"assembling":   2000,
			"uploading":    2000,
		}
	}
	if cfg.Provider.PollIntervalMs == 0 {
		cfg.Provider.PollIntervalMs = 2000
	}
	if cfg.Provider.StageTimeoutSec == 0 {
		cfg.Provider.StageTimeoutSec = 1200
	}
}

// ChangeCallback is called when config changes.
type ChangeCallback func(old, new *Config)

// Manager handles config loading and hot-reload.
type Manager struct {
	mu        sync.RWMutex
	cfg       *Config
	callbacks []ChangeCallback
	stop      chan struct{}

	path        string
	lastModTime time.Time
}

// NewManager creates a config manager with hot-reload support via polling.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	var lastMod time.Time
	if stat, err := os.Stat(path); err == nil {
		lastMod = stat.ModTime()
	}

	m := &Manager{
		cfg:         cfg,
		stop:        make(chan struct{}),
		path:        path,
		lastModTime: lastMod,
	}

	go m.pollForChanges(10 * time.Second)

	logger.Infof("📋 Config loaded (polling every 10s for changes)")

	return m, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) Stop() {
	close(m.stop)
}

func (m *Manager) pollForChanges(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			stat, err := os.Stat(m.path)
			if err != nil {
				continue
			}

			m.mu.RLock()
			lastMod := m.lastModTime
			m.mu.RUnlock()

			if stat.ModTime().After(lastMod) {
				logger.Infof("🔄 Config file changed, reloading...")

				newCfg, err := Load(m.path)
				if err != nil {
					logger.Errorf("❌ Failed to reload config: %v", err)
					continue
				}

				m.mu.Lock()
				m.lastModTime = stat.ModTime()
				oldCfg := m.cfg
				m.cfg = newCfg
				callbacks := m.callbacks
				m.mu.Unlock()

				logChanges(oldCfg, newCfg, "")

				for _, cb := range callbacks {
					cb(oldCfg, newCfg)
				}
			}
		}
	}
}

func logChanges(old, cur any, prefix string) {
	oldVal := reflect.ValueOf(old)
	newVal := reflect.ValueOf(cur)

	if oldVal.Kind() == reflect.Ptr {
		oldVal = oldVal.Elem()
	}
	if newVal.Kind() == reflect.Ptr {
		newVal = newVal.Elem()
	}

	if oldVal.Kind() != reflect.Struct {
		return
	}

	t := oldVal.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		oldField := oldVal.Field(i)
		newField := newVal.Field(i)

		fieldName := field.Name
		if prefix != "" {
			fieldName = prefix + "." + fieldName
		}

		if oldField.Kind() == reflect.Struct {
			logChanges(oldField.Interface(), newField.Interface(), fieldName)
			continue
		}

		if !reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
			oldStr := formatValue(oldField)
			newStr := formatValue(newField)
			logger.Infof("  📝 %s: %s → %s", fieldName, oldStr, newStr)
		}
	}
}

func formatValue(v reflect.Value) string {
	return fmt.Sprintf("%v", v.Interface())
}

// Load reads and validates the config file at path once.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("DUBFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}
