package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Request   RequestConfig   `yaml:"request"`
	Log       LogConfig       `yaml:"log"`
	DB        DBConfig        `yaml:"db"`
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Geo       GeoConfig       `yaml:"geo"`
	Image     ImageConfig     `yaml:"image"`
	Cache     CacheConfig     `yaml:"cache"`
	Duplicate DuplicateConfig `yaml:"duplicate"`
	Photo     PhotoConfig     `yaml:"photo"`
}

// RequestConfig holds HTTP request settings.
type RequestConfig struct {
	Retries          int           `yaml:"retries"`
	Timeout          Duration      `yaml:"timeout"`
	Backoff          BackoffConfig `yaml:"backoff"`
	MaxConcurrent    int           `yaml:"max_concurrent_requests"`
	GeocodeRateLimit Duration      `yaml:"geocode_rate_limit"`
}

// BackoffConfig holds exponential backoff settings.
type BackoffConfig struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

// LLMConfig holds settings for the Large Language Model providers.
type LLMConfig struct {
	Providers  map[string]ProviderConfig `yaml:"providers"` // Map of named providers
	Fallback   []string                  `yaml:"fallback"`  // Ordered list of providers for failover
	MaxRetries int                       `yaml:"max_retries"`
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	Type     string            `yaml:"type"`            // "gemini", "groq", "openai", "deepseek", "nvidia", "perplexity"
	Key      string            `yaml:"-"`                // API Key (Loaded from Env)
	Profiles map[string]string `yaml:"profiles"`        // Map of stage -> model
	FreeTier bool              `yaml:"free_tier"`       // Whether this is a free tier (usually shared)
	BaseURL  string            `yaml:"base_url,omitempty"` // Override for OpenAI-compatible endpoints
}

// LogConfig holds logging settings.
type LogConfig struct {
	Server   LogSettings `yaml:"server"`
	Requests LogSettings `yaml:"requests"`
	LLM      LogSettings `yaml:"llm"`
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// DBConfig holds database settings.
type DBConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address  string `yaml:"address"`
	UseHTTPS bool   `yaml:"use_https"`
	Debug    bool   `yaml:"debug"`
}

// GeoConfig holds settings for the geographic resolver and importer.
type GeoConfig struct {
	DefaultRadiusKm    float64  `yaml:"default_radius_km"`
	LookupCacheSize    int      `yaml:"lookup_cache_size"`
	LookupCacheTTL     Duration `yaml:"lookup_cache_ttl"`
	ReverseGeocodeURL  string   `yaml:"reverse_geocode_url"`
	PlacesAPIURL       string   `yaml:"places_api_url"`
	ConfidenceEnrichAt float64  `yaml:"confidence_enrich_threshold"`
	ConfidencePlacesAt float64  `yaml:"confidence_places_threshold"`
	H3Resolution       int      `yaml:"h3_resolution"`

	// Bulk data sources consumed by the country importer.
	GeonamesDumpURL string `yaml:"geonames_dump_url"`
	UnescoListURL   string `yaml:"unesco_list_url"`
	OverpassURL     string `yaml:"overpass_url"`

	// CountryBoundariesPath points at a local GeoJSON file of country/territory
	// polygons. When present it lets the importer resolve land coordinates
	// (and classify territorial-waters/EEZ/international maritime zones)
	// without a reverse-geocode round trip; a missing file falls back to
	// reverse geocoding for every coordinate.
	CountryBoundariesPath string `yaml:"country_boundaries_path"`
}

// ImageConfig holds image store settings.
type ImageConfig struct {
	TempDir        string   `yaml:"temp_dir"`
	MaxImageSize   int64    `yaml:"max_image_size"`
	TempFileMaxAge Duration `yaml:"temp_file_max_age"`
}

// CacheConfig holds request-cache settings.
type CacheConfig struct {
	MaxEntries int      `yaml:"max_entries"`
	TTL        Duration `yaml:"ttl"`
}

// DuplicateConfig holds duplicate-detector settings.
type DuplicateConfig struct {
	IdleUnloadSeconds   int     `yaml:"idle_unload_seconds"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	TimeWindowSeconds   int     `yaml:"time_window_seconds"`
	EmbeddingCacheDir   string  `yaml:"embedding_cache_dir"`
}

// PhotoConfig holds settings for the photo-library collaborator.
type PhotoConfig struct {
	ProxyURL string `yaml:"-"`
	APIKey   string `yaml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Request: RequestConfig{
			Retries: 5,
			Timeout: Duration(30 * time.Second),
			Backoff: BackoffConfig{
				BaseDelay: Duration(1 * time.Second),
				MaxDelay:  Duration(60 * time.Second),
			},
			MaxConcurrent:    50,
			GeocodeRateLimit: Duration(1100 * time.Millisecond),
		},
		Log: LogConfig{
			Server: LogSettings{
				Path:  "./logs/server.log",
				Level: "INFO",
			},
			Requests: LogSettings{
				Path:  "./logs/requests.log",
				Level: "INFO",
			},
			LLM: LogSettings{
				Path:  "./logs/llm.log",
				Level: "INFO",
			},
		},
		DB: DBConfig{
			Path: "./data/captionlens.db",
		},
		Server: ServerConfig{
			Address: "localhost:8080",
		},
		LLM: LLMConfig{
			Providers: map[string]ProviderConfig{
				"gemini": {
					Type: "gemini",
					Key:  "",
					Profiles: map[string]string{
						"caption": "gemini-2.5-flash",
						"travel":  "gemini-2.5-flash-lite",
						"vision":  "gemini-2.5-flash",
					},
					FreeTier: true,
				},
			},
			Fallback:   []string{"gemini"},
			MaxRetries: 3,
		},
		Geo: GeoConfig{
			DefaultRadiusKm:    1.0,
			LookupCacheSize:    2000,
			LookupCacheTTL:     Duration(1 * time.Hour),
			ReverseGeocodeURL:  "https://nominatim.openstreetmap.org/reverse",
			PlacesAPIURL:       "https://overpass-api.de/api/interpreter",
			ConfidenceEnrichAt: 0.8,
			ConfidencePlacesAt: 0.9,
			H3Resolution:       7,
			GeonamesDumpURL:       "https://download.geonames.org/export/dump",
			UnescoListURL:         "https://whc.unesco.org/en/list/xml",
			OverpassURL:           "https://overpass-api.de/api/interpreter",
			CountryBoundariesPath: "./data/countries.geojson",
		},
		Image: ImageConfig{
			TempDir:        "./data/tmp",
			MaxImageSize:   20 * 1024 * 1024,
			TempFileMaxAge: Duration(24 * time.Hour),
		},
		Cache: CacheConfig{
			MaxEntries: 5000,
			TTL:        Duration(1 * time.Hour),
		},
		Duplicate: DuplicateConfig{
			IdleUnloadSeconds:   600,
			SimilarityThreshold: 0.9,
			TimeWindowSeconds:   0,
			EmbeddingCacheDir:   "./data/cache/embeddings",
		},
	}
}

// Load loads the configuration from the given path.
// If the file does not exist, it creates it with default values.
// If the file exists, it merges defaults with existing values but does NOT save back to disk (to preserve user formatting and comments).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	// Load .env files first so env overrides are available regardless of
	// whether the yaml file exists yet. Ignored on error: valid to rely
	// solely on system env vars.
	_ = godotenv.Load(".env.local", ".env")

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		loadSecretsFromEnv(cfg)
		return cfg, nil
	}

	if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to save config file: %w", err)
	}

	loadSecretsFromEnv(cfg)
	return cfg, nil
}

// Save writes the configuration to the path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# CaptionLens Configuration
# ---------------------
# Supported Units:
#   Duration: ns, us (or µs), ms, s, m, h, d (day), w (week)

`)
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return Save(path, DefaultConfig())
}

func loadSecretsFromEnv(cfg *Config) {
	for name, p := range cfg.LLM.Providers {
		switch p.Type {
		case "gemini":
			if key := os.Getenv("GEMINI_API_KEY"); key != "" {
				p.Key = key
			}
		case "groq":
			if key := os.Getenv("GROQ_API_KEY"); key != "" {
				p.Key = key
			}
		case "openai":
			if key := os.Getenv("OPENAI_API_KEY"); key != "" {
				p.Key = key
			}
		case "deepseek":
			if key := os.Getenv("DEEPSEEK_API_KEY"); key != "" {
				p.Key = key
			}
		case "nvidia":
			if key := os.Getenv("NVIDIA_API_KEY"); key != "" {
				p.Key = key
			}
		case "perplexity":
			if key := os.Getenv("PERPLEXITY_API_KEY"); key != "" {
				p.Key = key
			}
		}
		cfg.LLM.Providers[name] = p
	}

	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DB.Path = v
	}
	if v := os.Getenv("PHOTO_PROXY_URL"); v != "" {
		cfg.Photo.ProxyURL = v
	}
	if v := os.Getenv("PHOTO_API_KEY"); v != "" {
		cfg.Photo.APIKey = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Address = v + addressPort(cfg.Server.Address)
	}
	if v := os.Getenv("USE_HTTPS"); v == "1" || v == "true" {
		cfg.Server.UseHTTPS = true
	}
	if v := os.Getenv("SERVER_DEBUG"); v == "1" || v == "true" {
		cfg.Server.Debug = true
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = Duration(d)
		}
	}
}

// addressPort extracts the ":port" suffix of an address, used when a host
// override replaces only the host portion of server.address.
func addressPort(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i:]
		}
	}
	return ""
}
