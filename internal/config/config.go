// Package config provides the configuration of the mldata server and tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration shared by the server and the CLI.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Storage StorageConfig `json:"storage" yaml:"storage"`

	// RecordsPath is the SQLite record store
	RecordsPath string `json:"records_path" yaml:"records_path"`

	// PrefsPath is the bolt preference store
	PrefsPath string `json:"prefs_path" yaml:"prefs_path"`

	// CacheDir holds export files while they are streamed
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// TempDir holds uploads and intermediate conversions
	TempDir string `json:"temp_dir" yaml:"temp_dir"`

	Conversion ConversionConfig `json:"conversion" yaml:"conversion"`
	Policy     PolicyConfig     `json:"policy" yaml:"policy"`
	Mail       MailConfig       `json:"mail" yaml:"mail"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Progress   ProgressConfig   `json:"progress" yaml:"progress"`
	Scraper    ScraperConfig    `json:"scraper" yaml:"scraper"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
	Prefix       string `json:"prefix" yaml:"prefix"`
}

// ConversionConfig tunes the converter.
type ConversionConfig struct {
	// SparseDensity is the density below which numeric data is stored sparse
	SparseDensity float64 `json:"sparse_density" yaml:"sparse_density"`

	// Verify round-trips every conversion that supports it
	Verify bool `json:"verify" yaml:"verify"`

	// XMLDumper is an optional external binary producing the XML export
	XMLDumper string `json:"xml_dumper" yaml:"xml_dumper"`
}

// PolicyConfig holds the defaults of the preference store.
type PolicyConfig struct {
	// MaxDataSize is a human size such as "100 MiB"
	MaxDataSize string `json:"max_data_size" yaml:"max_data_size"`

	// DPI maps a display tier to the split image resolution
	DPI map[string]int `json:"dpi" yaml:"dpi"`
}

// MailConfig configures the admin mail sink. An empty SMTPAddr logs instead.
type MailConfig struct {
	SMTPAddr string   `json:"smtp_addr" yaml:"smtp_addr"`
	From     string   `json:"from" yaml:"from"`
	Admins   []string `json:"admins" yaml:"admins"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr           string        `json:"addr" yaml:"addr"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	MaxUploadBytes int64         `json:"max_upload_bytes" yaml:"max_upload_bytes"`
}

// ProgressConfig configures the upload-progress cache.
type ProgressConfig struct {
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// ScraperConfig configures the slurp command.
type ScraperConfig struct {
	OutputDir   string `json:"output_dir" yaml:"output_dir"`
	UserAgent   string `json:"user_agent" yaml:"user_agent"`
	LibSVMURL   string `json:"libsvm_url" yaml:"libsvm_url"`
	WekaURL     string `json:"weka_url" yaml:"weka_url"`
	UCIURL      string `json:"uci_url" yaml:"uci_url"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/mldata",
		Storage: StorageConfig{Type: "local"},
		Conversion: ConversionConfig{
			SparseDensity: 0.5,
			Verify:        true,
		},
		Policy: PolicyConfig{
			MaxDataSize: "64 MiB",
			DPI:         map[string]int{"small": 50, "large": 100},
		},
		Mail: MailConfig{From: "mldata@localhost"},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			ReadTimeout:    5 * time.Minute,
			WriteTimeout:   10 * time.Minute,
			IdleTimeout:    120 * time.Second,
			MaxUploadBytes: 1 << 30,
		},
		Progress: ProgressConfig{TTL: time.Hour},
		Scraper: ScraperConfig{
			UserAgent:   "mldata-slurp/1.0",
			LibSVMURL:   "https://www.csie.ntu.edu.tw/~cjlin/libsvmtools/datasets/",
			WekaURL:     "https://waikato.github.io/weka-wiki/datasets/",
			UCIURL:      "https://archive.ics.uci.edu/ml/datasets.php",
			Concurrency: 4,
		},
	}
}

// Resolve derives unset paths from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/mldata"
	}
	defaults := []struct {
		dst  *string
		name string
	}{
		{&c.Storage.Path, "storage"},
		{&c.RecordsPath, "records.db"},
		{&c.PrefsPath, "prefs.db"},
		{&c.CacheDir, "cache"},
		{&c.TempDir, "tmp"},
		{&c.Scraper.OutputDir, "slurp"},
	}
	for _, d := range defaults {
		if *d.dst == "" {
			*d.dst = filepath.Join(c.DataDir, d.name)
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}
	if c.Conversion.SparseDensity < 0 || c.Conversion.SparseDensity > 1 {
		return fmt.Errorf("conversion.sparse_density must be between 0 and 1, got %g", c.Conversion.SparseDensity)
	}
	if _, err := c.MaxDataSizeBytes(); err != nil {
		return err
	}
	for tier, dpi := range c.Policy.DPI {
		if dpi <= 0 {
			return fmt.Errorf("policy.dpi[%s] must be positive, got %d", tier, dpi)
		}
	}
	if c.Mail.SMTPAddr != "" && len(c.Mail.Admins) == 0 {
		return fmt.Errorf("mail.admins is required when mail.smtp_addr is set")
	}
	if c.Scraper.Concurrency < 1 {
		return fmt.Errorf("scraper.concurrency must be at least 1, got %d", c.Scraper.Concurrency)
	}
	return nil
}

// MaxDataSizeBytes parses Policy.MaxDataSize.
func (c *Config) MaxDataSizeBytes() (uint64, error) {
	n, err := humanize.ParseBytes(c.Policy.MaxDataSize)
	if err != nil {
		return 0, fmt.Errorf("invalid policy.max_data_size %q: %w", c.Policy.MaxDataSize, err)
	}
	return n, nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads MLDATA_* variables from a .env file when one exists.
// Variables already set in the environment win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the MLDATA_ prefix.
func LoadFromEnv(cfg *Config) {
	strs := map[string]*string{
		"MLDATA_DATA_DIR":      &cfg.DataDir,
		"MLDATA_STORAGE_TYPE":  &cfg.Storage.Type,
		"MLDATA_STORAGE_PATH":  &cfg.Storage.Path,
		"MLDATA_S3_BUCKET":     &cfg.Storage.S3.Bucket,
		"MLDATA_S3_REGION":     &cfg.Storage.S3.Region,
		"MLDATA_S3_ENDPOINT":   &cfg.Storage.S3.Endpoint,
		"MLDATA_S3_PREFIX":     &cfg.Storage.S3.Prefix,
		"MLDATA_RECORDS_PATH":  &cfg.RecordsPath,
		"MLDATA_PREFS_PATH":    &cfg.PrefsPath,
		"MLDATA_CACHE_DIR":     &cfg.CacheDir,
		"MLDATA_TEMP_DIR":      &cfg.TempDir,
		"MLDATA_XML_DUMPER":    &cfg.Conversion.XMLDumper,
		"MLDATA_MAX_DATA_SIZE": &cfg.Policy.MaxDataSize,
		"MLDATA_SMTP_ADDR":     &cfg.Mail.SMTPAddr,
		"MLDATA_SMTP_USERNAME": &cfg.Mail.Username,
		"MLDATA_SMTP_PASSWORD": &cfg.Mail.Password,
		"MLDATA_MAIL_FROM":     &cfg.Mail.From,
		"MLDATA_HTTP_ADDR":     &cfg.HTTP.Addr,
		"MLDATA_SLURP_DIR":     &cfg.Scraper.OutputDir,
		"MLDATA_USER_AGENT":    &cfg.Scraper.UserAgent,
		"MLDATA_LIBSVM_URL":    &cfg.Scraper.LibSVMURL,
		"MLDATA_WEKA_URL":      &cfg.Scraper.WekaURL,
		"MLDATA_UCI_URL":       &cfg.Scraper.UCIURL,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("MLDATA_S3_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}
	if v := os.Getenv("MLDATA_VERIFY"); v != "" {
		cfg.Conversion.Verify = v == "true" || v == "1"
	}
	if v := os.Getenv("MLDATA_SPARSE_DENSITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Conversion.SparseDensity = f
		}
	}
	if v := os.Getenv("MLDATA_MAIL_ADMINS"); v != "" {
		cfg.Mail.Admins = strings.Split(v, ",")
	}
	if v := os.Getenv("MLDATA_PROGRESS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Progress.TTL = d
		}
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.CacheDir,
		c.TempDir,
		filepath.Dir(c.RecordsPath),
		filepath.Dir(c.PrefsPath),
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
