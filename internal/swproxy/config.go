package swproxy

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is built once by LoadConfig and never mutated afterwards.
type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// MaxBody bounds intercepted request bodies, e.g. "32mb".
		MaxBody string `yaml:"maxBody"`
	} `yaml:"server"`

	App struct {
		// Origin is the public origin the application is served from.
		Origin string `yaml:"origin"`
	} `yaml:"app"`

	Upstream struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"upstream"`

	API struct {
		Prefix      string `yaml:"prefix"`
		BackendHost string `yaml:"backendHost"`
	} `yaml:"api"`

	Cache struct {
		Prefix   string   `yaml:"prefix"`
		Version  string   `yaml:"version"`
		Offline  string   `yaml:"offline"`
		Baseline []string `yaml:"baseline"`
		// Purge names extra partitions to drop on activation even though
		// they do not carry the prefix.
		Purge []string `yaml:"purge"`
	} `yaml:"cache"`

	Storage struct {
		Path string `yaml:"path"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Push struct {
		Icon    string   `yaml:"icon"`
		Badge   string   `yaml:"badge"`
		Vibrate []int    `yaml:"vibrate"`
		Targets []string `yaml:"targets"`
		// Token is the bearer secret required by the push and click
		// endpoints. They are disabled while it is empty.
		Token string `yaml:"token"`
	} `yaml:"push"`

	Logging struct {
		Level         string `yaml:"level"`
		Development   bool   `yaml:"development"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	origin           *url.URL
	upstream         *url.URL
	upstreamTimeout  time.Duration
	maxBody          int64
	diskMax          int64
	logStatsEveryDur time.Duration
}

var defaultBaseline = []string{
	"/",
	"/index.html",
	"/app.bundle.js",
	"/manifest.json",
	"/favicon.png",
	"/images/logo.png",
	"/images/story-app-small.png",
	"/images/story-app-big.png",
	"/styles/styles.css",
	"/offline.html",
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig applies defaults to raw YAML and validates it.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.maxBody = 32 << 20
	if cfg.Server.MaxBody != "" {
		n, err := parseBytes(cfg.Server.MaxBody)
		if err != nil {
			return fmt.Errorf("server.maxBody: %w", err)
		}
		if n <= 0 {
			return fmt.Errorf("server.maxBody must be positive, got %q", cfg.Server.MaxBody)
		}
		cfg.maxBody = n
	}

	if cfg.App.Origin == "" {
		return fmt.Errorf("app.origin is required")
	}
	o, err := parseOrigin(cfg.App.Origin)
	if err != nil {
		return fmt.Errorf("app.origin: %w", err)
	}
	cfg.origin = o
	cfg.App.Origin = o.String()

	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	u, err := parseOrigin(cfg.Upstream.URL)
	if err != nil {
		return fmt.Errorf("upstream.url: %w", err)
	}
	cfg.upstream = u
	cfg.Upstream.URL = u.String()

	cfg.upstreamTimeout = 30 * time.Second
	if cfg.Upstream.Timeout != "" {
		d, err := time.ParseDuration(cfg.Upstream.Timeout)
		if err != nil {
			return fmt.Errorf("upstream.timeout: %w", err)
		}
		cfg.upstreamTimeout = d
	}

	if cfg.API.Prefix == "" {
		cfg.API.Prefix = "/v1/"
	}
	if !strings.HasPrefix(cfg.API.Prefix, "/") {
		return fmt.Errorf("api.prefix must start with /, got %q", cfg.API.Prefix)
	}
	cfg.API.BackendHost = strings.ToLower(strings.TrimSpace(cfg.API.BackendHost))

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "story-app"
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if cfg.Cache.Offline == "" {
		cfg.Cache.Offline = "/offline.html"
	}
	if len(cfg.Cache.Baseline) == 0 {
		cfg.Cache.Baseline = append([]string(nil), defaultBaseline...)
	}
	hasOffline := false
	for i, p := range cfg.Cache.Baseline {
		p = strings.TrimSpace(p)
		if p == "" || !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.baseline[%d]: invalid path %q", i, p)
		}
		cfg.Cache.Baseline[i] = p
		if p == cfg.Cache.Offline {
			hasOffline = true
		}
	}
	if !hasOffline {
		return fmt.Errorf("cache.baseline must include the offline page %q", cfg.Cache.Offline)
	}

	if cfg.Storage.Disk.Max != "" {
		n, err := parseBytes(cfg.Storage.Disk.Max)
		if err != nil {
			return fmt.Errorf("storage.disk.max: %w", err)
		}
		cfg.diskMax = n
	}

	if cfg.Push.Icon == "" {
		cfg.Push.Icon = "/images/story-app-small.png"
	}
	if cfg.Push.Badge == "" {
		cfg.Push.Badge = "/images/story-app-big.png"
	}
	cfg.Push.Token = strings.TrimSpace(cfg.Push.Token)
	if len(cfg.Push.Vibrate) == 0 {
		cfg.Push.Vibrate = []int{100, 50, 100}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.logStatsEveryDur = d
	}
	return nil
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: strings.ToLower(u.Host), Path: u.Path}, nil
}

// PartitionNames are the partitions owned by the configured cache version.
type PartitionNames struct {
	Static  string
	Dynamic string
	API     string
}

func (cfg Config) Partitions() PartitionNames {
	name := func(kind string) string {
		return cfg.Cache.Prefix + "-" + kind + "-" + cfg.Cache.Version
	}
	return PartitionNames{Static: name("static"), Dynamic: name("dynamic"), API: name("api")}
}

func (n PartitionNames) All() []string { return []string{n.Static, n.Dynamic, n.API} }

// Origin returns the parsed application origin.
func (cfg Config) Origin() *url.URL { return cfg.origin }

// MaxBody is the largest intercepted request body in bytes.
func (cfg Config) MaxBody() int64 { return cfg.maxBody }

// DiskMax is the storage quota in bytes, zero when unbounded.
func (cfg Config) DiskMax() int64 { return cfg.diskMax }

// UpstreamTimeout bounds every upstream request.
func (cfg Config) UpstreamTimeout() time.Duration { return cfg.upstreamTimeout }

// LogStatsEvery is the stats log period, zero when disabled.
func (cfg Config) LogStatsEvery() time.Duration { return cfg.logStatsEveryDur }

// absURL resolves an application path against the app origin.
func (cfg Config) absURL(path string) string {
	return cfg.origin.Scheme + "://" + cfg.origin.Host + path
}
