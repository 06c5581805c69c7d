// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Discovery() DiscoveryConfig
	State() StateConfig
	Oracle() OracleConfig
	Execution() ExecutionConfig
	Server() ServerConfig
	Schedules() []ScheduleConfig

	// Discovery Setters
	SetDiscoveryMaxDepth(int)
	SetDiscoveryMaxPages(int)
	SetDiscoveryFollowLinks(bool)

	// Browser Setters
	SetBrowserHeadless(bool)

	// Oracle Setters
	SetOracleProvider(string)

	// Execution Setters
	SetExecutionAutoExecute(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg  DatabaseConfig   `mapstructure:"database" yaml:"database"`
	BrowserCfg   BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	DiscoveryCfg DiscoveryConfig  `mapstructure:"discovery" yaml:"discovery"`
	StateCfg     StateConfig      `mapstructure:"state" yaml:"state"`
	OracleCfg    OracleConfig     `mapstructure:"oracle" yaml:"oracle"`
	ExecutionCfg ExecutionConfig  `mapstructure:"execution" yaml:"execution"`
	ServerCfg    ServerConfig     `mapstructure:"server" yaml:"server"`
	ScheduleCfg  []ScheduleConfig `mapstructure:"schedules" yaml:"schedules"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig        { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig    { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig      { return c.BrowserCfg }
func (c *Config) Discovery() DiscoveryConfig  { return c.DiscoveryCfg }
func (c *Config) State() StateConfig          { return c.StateCfg }
func (c *Config) Oracle() OracleConfig        { return c.OracleCfg }
func (c *Config) Execution() ExecutionConfig  { return c.ExecutionCfg }
func (c *Config) Server() ServerConfig        { return c.ServerCfg }
func (c *Config) Schedules() []ScheduleConfig { return c.ScheduleCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetDiscoveryMaxDepth(d int)     { c.DiscoveryCfg.MaxDepth = d }
func (c *Config) SetDiscoveryMaxPages(n int)     { c.DiscoveryCfg.MaxPages = n }
func (c *Config) SetDiscoveryFollowLinks(b bool) { c.DiscoveryCfg.FollowLinks = b }
func (c *Config) SetBrowserHeadless(b bool)      { c.BrowserCfg.Headless = b }
func (c *Config) SetOracleProvider(p string)     { c.OracleCfg.Provider = p }
func (c *Config) SetExecutionAutoExecute(b bool) { c.ExecutionCfg.AutoExecute = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig selects and configures the persistent store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver      string `mapstructure:"driver" yaml:"driver"`
	URL         string `mapstructure:"url" yaml:"url"`
	AutoMigrate bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
	MaxConns    int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// EngineConfig describes one browser engine used by the cross-browser runner.
type EngineConfig struct {
	Name string `mapstructure:"name" yaml:"name"`

	// Driver is "chromedp" or "rod".
	Driver    string `mapstructure:"driver" yaml:"driver"`
	ExecPath  string `mapstructure:"exec_path" yaml:"exec_path"`
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`
	Stealth   bool   `mapstructure:"stealth" yaml:"stealth"`
}

// BrowserConfig holds settings for the automated browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`

	// CrawlEngine names the engine that drives discovery. Empty means the first engine.
	CrawlEngine string         `mapstructure:"crawl_engine" yaml:"crawl_engine"`
	Engines     []EngineConfig `mapstructure:"engines" yaml:"engines"`
}

// DiscoveryConfig bounds the breadth-first crawl.
type DiscoveryConfig struct {
	MaxDepth             int           `mapstructure:"max_depth" yaml:"max_depth"`
	MaxPages             int           `mapstructure:"max_pages" yaml:"max_pages"`
	NavigationAttempts   int           `mapstructure:"navigation_attempts" yaml:"navigation_attempts"`
	NavigationRetryDelay time.Duration `mapstructure:"navigation_retry_delay" yaml:"navigation_retry_delay"`
	MaxStateDepth        int           `mapstructure:"max_state_depth" yaml:"max_state_depth"`
	MaxScenariosPerPage  int           `mapstructure:"max_scenarios_per_page" yaml:"max_scenarios_per_page"`
	FollowLinks          bool          `mapstructure:"follow_links" yaml:"follow_links"`
	IncludeSubdomains    bool          `mapstructure:"include_subdomains" yaml:"include_subdomains"`
	Healing              bool          `mapstructure:"healing" yaml:"healing"`
}

// StateConfig tunes the same-URL state change detector.
type StateConfig struct {
	MinElementDelta int     `mapstructure:"min_element_delta" yaml:"min_element_delta"`
	MinTextChurn    float64 `mapstructure:"min_text_churn" yaml:"min_text_churn"`
}

// OracleConfig configures the decision oracle client.
type OracleConfig struct {
	// Provider is "heuristic" or "gemini".
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	// Endpoint overrides the API base URL.
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst       int           `mapstructure:"burst" yaml:"burst"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxDOMChars int           `mapstructure:"max_dom_chars" yaml:"max_dom_chars"`
}

// ExecutionConfig configures the cross-browser test execution phase.
type ExecutionConfig struct {
	AutoExecute     bool          `mapstructure:"auto_execute" yaml:"auto_execute"`
	ParallelEngines bool          `mapstructure:"parallel_engines" yaml:"parallel_engines"`
	Engines         []string      `mapstructure:"engines" yaml:"engines"`
	TestTimeout     time.Duration `mapstructure:"test_timeout" yaml:"test_timeout"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret" yaml:"-"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ScheduleConfig declares a recurring run.
type ScheduleConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Cron     string `mapstructure:"cron" yaml:"cron"`
	URL      string `mapstructure:"url" yaml:"url"`
	MaxDepth int    `mapstructure:"max_depth" yaml:"max_depth"`
	MaxPages int    `mapstructure:"max_pages" yaml:"max_pages"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scout-cli")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.max_conns", 8)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 900)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.post_load_wait", "750ms")
	v.SetDefault("browser.engines", []map[string]interface{}{
		{"name": "chromium", "driver": "chromedp"},
		{"name": "chromium-rod", "driver": "rod", "stealth": true},
	})

	// -- Discovery --
	v.SetDefault("discovery.max_depth", 3)
	v.SetDefault("discovery.max_pages", 50)
	v.SetDefault("discovery.navigation_attempts", 2)
	v.SetDefault("discovery.navigation_retry_delay", "1s")
	v.SetDefault("discovery.max_state_depth", 2)
	v.SetDefault("discovery.max_scenarios_per_page", 10)
	v.SetDefault("discovery.follow_links", false)
	v.SetDefault("discovery.include_subdomains", false)
	v.SetDefault("discovery.healing", true)

	// -- State Detection --
	v.SetDefault("state.min_element_delta", 8)
	v.SetDefault("state.min_text_churn", 0.3)

	// -- Oracle --
	v.SetDefault("oracle.provider", "heuristic")
	v.SetDefault("oracle.model", "gemini-2.5-flash")
	v.SetDefault("oracle.timeout", "60s")
	v.SetDefault("oracle.rate_limit", 1.0)
	v.SetDefault("oracle.burst", 2)
	v.SetDefault("oracle.max_retries", 3)
	v.SetDefault("oracle.max_dom_chars", 40000)

	// -- Execution --
	v.SetDefault("execution.auto_execute", true)
	v.SetDefault("execution.parallel_engines", false)
	v.SetDefault("execution.test_timeout", "2m")

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "SCOUT_DATABASE_URL")
	_ = v.BindEnv("oracle.api_key", "SCOUT_ORACLE_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("server.jwt_secret", "SCOUT_SERVER_JWT_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up
	if cfg.OracleCfg.Provider == "gemini" && cfg.OracleCfg.APIKey == "" {
		cfg.OracleCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.DatabaseCfg.Driver {
	case "memory":
	case "postgres":
		// The URL is checked when the store is opened; commands like `version` need no database.
	default:
		return fmt.Errorf("database.driver must be 'postgres' or 'memory', got %q", c.DatabaseCfg.Driver)
	}
	if err := c.DiscoveryCfg.Validate(); err != nil {
		return fmt.Errorf("discovery configuration invalid: %w", err)
	}
	if err := c.BrowserCfg.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if err := c.OracleCfg.Validate(); err != nil {
		return fmt.Errorf("oracle configuration invalid: %w", err)
	}
	if c.StateCfg.MinElementDelta <= 0 {
		return fmt.Errorf("state.min_element_delta must be a positive integer")
	}
	if c.StateCfg.MinTextChurn <= 0 || c.StateCfg.MinTextChurn > 1 {
		return fmt.Errorf("state.min_text_churn must be in (0, 1]")
	}
	for _, name := range c.ExecutionCfg.Engines {
		if _, ok := c.BrowserCfg.Engine(name); !ok {
			return fmt.Errorf("execution.engines references unknown engine %q", name)
		}
	}
	for i, s := range c.ScheduleCfg {
		if s.Cron == "" || s.URL == "" {
			return fmt.Errorf("schedules[%d]: cron and url are required", i)
		}
	}
	return nil
}

// Validate checks the discovery bounds.
func (d *DiscoveryConfig) Validate() error {
	if d.MaxDepth < 0 {
		return fmt.Errorf("max_depth must not be negative")
	}
	if d.MaxPages <= 0 {
		return fmt.Errorf("max_pages must be a positive integer")
	}
	if d.NavigationAttempts <= 0 {
		return fmt.Errorf("navigation_attempts must be a positive integer")
	}
	if d.MaxStateDepth < 0 {
		return fmt.Errorf("max_state_depth must not be negative")
	}
	return nil
}

// Validate checks the engine list.
func (b *BrowserConfig) Validate() error {
	if len(b.Engines) == 0 {
		return fmt.Errorf("at least one engine is required")
	}
	seen := make(map[string]struct{}, len(b.Engines))
	for _, e := range b.Engines {
		if e.Name == "" {
			return fmt.Errorf("engine name is required")
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("duplicate engine name %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		switch strings.ToLower(e.Driver) {
		case "chromedp", "rod":
		default:
			return fmt.Errorf("engine %q: driver must be 'chromedp' or 'rod'", e.Name)
		}
	}
	if b.CrawlEngine != "" {
		if _, ok := b.Engine(b.CrawlEngine); !ok {
			return fmt.Errorf("crawl_engine %q is not a configured engine", b.CrawlEngine)
		}
	}
	return nil
}

// Engine looks up an engine by name.
func (b *BrowserConfig) Engine(name string) (EngineConfig, bool) {
	for _, e := range b.Engines {
		if e.Name == name {
			return e, true
		}
	}
	return EngineConfig{}, false
}

// Validate checks the oracle provider settings.
func (o *OracleConfig) Validate() error {
	switch o.Provider {
	case "heuristic":
		return nil
	case "gemini":
		if o.APIKey == "" {
			return fmt.Errorf("gemini provider requires an API key. Ensure SCOUT_ORACLE_API_KEY or GEMINI_API_KEY is set")
		}
		if o.Model == "" {
			return fmt.Errorf("model is required for the gemini provider")
		}
		return nil
	default:
		return fmt.Errorf("provider must be 'heuristic' or 'gemini', got %q", o.Provider)
	}
}
