// Package config loads the gateway's YAML configuration: the global
// config.yaml, providers/*.yaml, routes.yaml and the optional
// models.yaml. Configuration is a value type -- loaded once, validated,
// then passed by reference; there are no ambient mutable singletons.
package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the gateway's own listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RuntimeConfig controls registry refresh and request-timeout behavior.
type RuntimeConfig struct {
	AutoRefreshOnMiss     bool `yaml:"auto_refresh_on_miss"`
	RefreshCooldownSecond int  `yaml:"refresh_cooldown_seconds"`
	RequestTimeoutSeconds int  `yaml:"request_timeout_seconds"`
}

// RoutingConfig controls the fallback cascade budget.
type RoutingConfig struct {
	EnableFallback      bool `yaml:"enable_fallback"`
	MaxFallbackAttempts int  `yaml:"max_fallback_attempts"`
	// AllowExplicitModelFallback is a reserved flag for a future mode
	// where a client-named fallback model bypasses route config. It is
	// parsed but never honored in this revision.
	AllowExplicitModelFallback bool `yaml:"allow_explicit_model_fallback"`
}

// SchedulingConfig controls next-model scoring.
type SchedulingConfig struct {
	AgingBonusPerSecond float64    `yaml:"aging_bonus_per_second"`
	DefaultModelScore   ModelScore `yaml:"default_model_score"`
}

// LoggingConfig controls the JSON-lines request log.
type LoggingConfig struct {
	LogDir            string `yaml:"log_dir"`
	KeepDays          int    `yaml:"keep_days"`
	KeepLastNInMemory int    `yaml:"keep_last_n_requests_in_memory"`
	RotateMaxSizeMB   int    `yaml:"rotate_max_size_mb"`
}

// ProvidersConfig points at the directory of per-provider YAML files.
type ProvidersConfig struct {
	ConfigDir string `yaml:"config_dir"`
	// Precedence lists provider ids in priority order, consulted when
	// a model id appears under more than one provider.
	Precedence []string `yaml:"precedence"`
}

// AppConfig is the parsed config.yaml.
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Routing    RoutingConfig    `yaml:"routing"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Logging    LoggingConfig    `yaml:"logging"`
	Providers  ProvidersConfig  `yaml:"providers"`
}

// DefaultAppConfig returns the built-in defaults applied when
// config.yaml omits a field.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Server:  ServerConfig{Host: "127.0.0.1", Port: 8000},
		Runtime: RuntimeConfig{AutoRefreshOnMiss: true, RefreshCooldownSecond: 30, RequestTimeoutSeconds: 600},
		Routing: RoutingConfig{EnableFallback: true, MaxFallbackAttempts: 2},
		Scheduling: SchedulingConfig{
			AgingBonusPerSecond: 0.01,
			DefaultModelScore:   ModelScore{},
		},
		Logging: LoggingConfig{
			LogDir:            "logs",
			KeepDays:          14,
			KeepLastNInMemory: 500,
			RotateMaxSizeMB:   64,
		},
		Providers: ProvidersConfig{ConfigDir: "providers"},
	}
}

// RefreshCooldown returns the configured refresh cooldown as a Duration.
func (c AppConfig) RefreshCooldown() time.Duration {
	return time.Duration(c.Runtime.RefreshCooldownSecond) * time.Second
}

// RequestTimeout returns the configured per-request timeout.
func (c AppConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Runtime.RequestTimeoutSeconds) * time.Second
}

// ModelScore carries the per-model scoring overrides used to rank
// queued jobs against each other when a provider frees up.
type ModelScore struct {
	BasePriority   int  `yaml:"base_priority"`
	LoadPenalty    int  `yaml:"load_penalty"`
	RuntimePenalty int  `yaml:"runtime_penalty"`
	AlwaysRunLast  bool `yaml:"always_run_last"`
}

// RouteConfig is one route:<name> alias definition.
type RouteConfig struct {
	PrimaryModel   string   `yaml:"primary_model"`
	FallbackModels []string `yaml:"fallback_models"`
	FallbackOn     []string `yaml:"fallback_on"`
}

// HealthProbe describes a health check request.
type HealthProbe struct {
	Method        string  `yaml:"method"`
	Path          string  `yaml:"path"`
	SuccessCodes  []int   `yaml:"success_codes"`
	TimeoutSecond float64 `yaml:"timeout_seconds"`
}

// ModelListing describes how to enumerate a provider's models.
type ModelListing struct {
	Method         string   `yaml:"method"`
	Path           string   `yaml:"path"`
	DeclaredModels []string `yaml:"declared_models"`
}

// StartDescriptor describes how to launch a gateway-owned process.
type StartDescriptor struct {
	Enabled             bool              `yaml:"enabled"`
	Command             string            `yaml:"command"`
	Args                []string          `yaml:"args"`
	Cwd                 string            `yaml:"cwd"`
	Env                 map[string]string `yaml:"env"`
	StartupGraceSeconds float64           `yaml:"startup_grace_seconds"`
	// LogFile, if set, captures the child's combined stdout/stderr so
	// ReadyBanner can be watched for. Left empty, output is discarded
	// and banner watching is skipped.
	LogFile string `yaml:"log_file"`
	// ReadyBanner is a substring some backends (LM Studio,
	// llama.cpp-server) print to LogFile once they're listening, well
	// before their health endpoint answers. Empty disables the watch.
	ReadyBanner string `yaml:"ready_banner"`
}

// ShutdownHTTP describes the optional HTTP shutdown request.
type ShutdownHTTP struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
}

// StopDescriptor describes how to bring a provider process down.
type StopDescriptor struct {
	Method string       `yaml:"method"` // terminate_process | kill_process | http_request | none
	HTTP   ShutdownHTTP `yaml:"http"`
}

// PolicyConfig controls warm-keeping and restart behavior.
type PolicyConfig struct {
	KeepWarm           bool `yaml:"keep_warm"`
	IdleShutdownSecond int  `yaml:"idle_shutdown_seconds"`
	MaxStartAttempts   int  `yaml:"max_start_attempts"`
	RestartOnFailure   bool `yaml:"restart_on_failure"`
}

// DetectConfig describes how the registry decides a provider is
// present before it attempts to probe or start it.
type DetectConfig struct {
	Policy     string `yaml:"policy"` // path_or_probe | probe_only | none
	BinaryName string `yaml:"binary_name"`
	ProbeURL   string `yaml:"probe_url"`
}

// ProviderConfig is one providers/*.yaml file.
type ProviderConfig struct {
	ID            string            `yaml:"provider_id"`
	Type          string            `yaml:"provider_type"` // ollama | openai_compat
	ResourceGroup string            `yaml:"resource_group"`
	BaseURL       string            `yaml:"base_url"`
	Health        HealthProbe       `yaml:"health"`
	Models        ModelListing      `yaml:"models"`
	Detect        DetectConfig      `yaml:"detect"`
	Start         StartDescriptor   `yaml:"start"`
	Stop          StopDescriptor    `yaml:"stop"`
	Policy        PolicyConfig      `yaml:"policy"`

	// sourceFile records where this config was loaded from, used only
	// by diagnostics endpoints -- never serialized back out.
	sourceFile string
}

// SourceFile returns the path this provider was parsed from.
func (p ProviderConfig) SourceFile() string { return p.sourceFile }

func applyProviderDefaults(p *ProviderConfig) {
	if p.ResourceGroup == "" {
		p.ResourceGroup = "local_gpu"
	}
	if p.Health.Method == "" {
		p.Health.Method = http.MethodGet
	}
	if len(p.Health.SuccessCodes) == 0 {
		p.Health.SuccessCodes = []int{200}
	}
	if p.Health.TimeoutSecond == 0 {
		p.Health.TimeoutSecond = 2
	}
	if p.Models.Method == "" {
		p.Models.Method = http.MethodGet
	}
	if p.Detect.Policy == "" {
		p.Detect.Policy = "none"
	}
	if p.Stop.Method == "" {
		p.Stop.Method = "none"
	}
	if p.Policy.MaxStartAttempts == 0 {
		p.Policy.MaxStartAttempts = 3
	}
	if p.Start.StartupGraceSeconds == 0 {
		p.Start.StartupGraceSeconds = 30
	}
}

// Loader reads config.yaml, routes.yaml and models.yaml off disk.
// There is no module-level singleton -- callers hold their own *Loader.
type Loader struct {
	Dir        string
	ConfigPath string
	RoutesPath string
	ModelsPath string
}

// NewLoader builds a Loader with the conventional file names rooted at
// dir.
func NewLoader(dir string) *Loader {
	return &Loader{
		Dir:        dir,
		ConfigPath: filepath.Join(dir, "config.yaml"),
		RoutesPath: filepath.Join(dir, "routes.yaml"),
		ModelsPath: filepath.Join(dir, "models.yaml"),
	}
}

// ProvidersDir resolves a provider config_dir (relative or absolute)
// against the loader's root directory.
func (l *Loader) ProvidersDir(configDir string) string {
	if configDir == "" {
		configDir = "providers"
	}
	if filepath.IsAbs(configDir) {
		return configDir
	}
	return filepath.Join(l.Dir, configDir)
}

// LoadConfig reads config.yaml, returning defaults if the file is
// absent.
func (l *Loader) LoadConfig() (AppConfig, error) {
	cfg := DefaultAppConfig()
	data, err := os.ReadFile(l.ConfigPath)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

type routesFile struct {
	Routes map[string]RouteConfig `yaml:"routes"`
}

// LoadRoutes reads routes.yaml, returning an empty map if absent.
func (l *Loader) LoadRoutes() (map[string]RouteConfig, error) {
	data, err := os.ReadFile(l.RoutesPath)
	if os.IsNotExist(err) {
		return map[string]RouteConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	var rf routesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	if rf.Routes == nil {
		rf.Routes = map[string]RouteConfig{}
	}
	return rf.Routes, nil
}

type modelsFile struct {
	Models map[string]ModelScore `yaml:"models"`
}

// LoadModels reads the optional models.yaml score-override file.
func (l *Loader) LoadModels() (map[string]ModelScore, error) {
	data, err := os.ReadFile(l.ModelsPath)
	if os.IsNotExist(err) {
		return map[string]ModelScore{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read models: %w", err)
	}
	var mf modelsFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse models: %w", err)
	}
	if mf.Models == nil {
		mf.Models = map[string]ModelScore{}
	}
	return mf.Models, nil
}

// LoadProviders reads every *.yaml/*.yml file in dir and parses it as a
// ProviderConfig.
func (l *Loader) LoadProviders(dir string) ([]ProviderConfig, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read providers dir: %w", err)
	}

	var providers []ProviderConfig
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var p ProviderConfig
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%s: provider_id is required", path)
		}
		applyProviderDefaults(&p)
		p.sourceFile = path
		providers = append(providers, p)
	}
	return providers, nil
}
