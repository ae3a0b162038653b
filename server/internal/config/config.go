package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"follow-export/server/internal/extract"
)

// Config 全局配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Export  ExportConfig  `yaml:"export"`
	Capture CaptureConfig `yaml:"capture"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Gateway GatewayConfig `yaml:"gateway"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AllowedOrigins 是允许跨域访问 API 与 WebSocket 的来源
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StoreConfig struct {
	// Driver: sqlite | memory
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// OpenDelay 推迟存储打开，用于复现“存储尚未就绪”的窗口
	OpenDelay time.Duration `yaml:"open_delay"`
}

type IngestConfig struct {
	SoftLimit     int           `yaml:"soft_limit"`
	CommitTimeout time.Duration `yaml:"commit_timeout"`
}

type ExportConfig struct {
	FilenamePrefix    string `yaml:"filename_prefix"`
	ProfileBaseURL    string `yaml:"profile_base_url"`
	LookupConcurrency int    `yaml:"lookup_concurrency"`
}

// RouteConfig 是额外拦截的接口，Extractor 取值 user_timeline | list_members | list_subscribers
type RouteConfig struct {
	Name      string `yaml:"name"`
	Pattern   string `yaml:"pattern"`
	Extractor string `yaml:"extractor"`
}

type CaptureConfig struct {
	ExtraRoutes []RouteConfig `yaml:"extra_routes"`
}

type ProxyConfig struct {
	// Upstream 非空时启用 /proxy/*path 反向代理
	Upstream string `yaml:"upstream"`
}

type GatewayConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default 返回全部默认值，没有配置文件时直接使用
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/follow-export.db",
		},
		Ingest: IngestConfig{
			SoftLimit: 100,
		},
		Export: ExportConfig{
			FilenamePrefix: "twitter",
			ProfileBaseURL: "https://twitter.com/",
		},
		Gateway: GatewayConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load 从文件加载配置；path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		fmt.Printf("📋 Loading config from: %s\n", path)

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		fmt.Printf("✅ Config parsed successfully (%d bytes)\n", len(data))
	}

	// 环境变量覆盖
	if db := os.Getenv("FOLLOW_EXPORT_DB"); db != "" {
		fmt.Printf("💾 Using FOLLOW_EXPORT_DB from environment: %s\n", db)
		cfg.Store.Path = db
	}
	if upstream := os.Getenv("FOLLOW_EXPORT_UPSTREAM"); upstream != "" {
		fmt.Printf("🔀 Using FOLLOW_EXPORT_UPSTREAM from environment: %s\n", upstream)
		cfg.Proxy.Upstream = upstream
	}

	// 打印关键配置
	fmt.Printf("\n📊 Configuration Summary:\n")
	fmt.Printf("   Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Store: %s %s\n", cfg.Store.Driver, cfg.Store.Path)
	fmt.Printf("   Buffer soft limit: %d\n", cfg.Ingest.SoftLimit)
	if cfg.Proxy.Upstream != "" {
		fmt.Printf("   Proxy upstream: %s\n", cfg.Proxy.Upstream)
	}
	fmt.Printf("\n")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Routes 把额外路由解析成提取路由，排在内置路由之后
func (c *Config) Routes() []extract.Route {
	routes := extract.DefaultRoutes()
	for _, r := range c.Capture.ExtraRoutes {
		fn, _ := extract.ExtractorByName(r.Extractor)
		routes = append(routes, extract.Route{Name: r.Name, Pattern: r.Pattern, Extract: fn})
	}
	return routes
}

// Addr 返回监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store driver %q (want sqlite or memory)", c.Store.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Ingest.SoftLimit < 0 {
		return fmt.Errorf("ingest soft limit must not be negative")
	}
	if c.Export.LookupConcurrency < 0 {
		return fmt.Errorf("export lookup concurrency must not be negative")
	}
	for _, r := range c.Capture.ExtraRoutes {
		if r.Name == "" || r.Pattern == "" {
			return fmt.Errorf("extra route requires name and pattern")
		}
		if _, ok := extract.ExtractorByName(r.Extractor); !ok {
			return fmt.Errorf("extra route %s: unknown extractor %q", r.Name, r.Extractor)
		}
	}
	if c.Proxy.Upstream != "" {
		u, err := url.Parse(c.Proxy.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid proxy upstream %q", c.Proxy.Upstream)
		}
	}
	return nil
}
