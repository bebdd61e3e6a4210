package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.RecordsPath != filepath.Join(cfg.DataDir, "records.db") {
		t.Errorf("records path = %s", cfg.RecordsPath)
	}
	n, err := cfg.MaxDataSizeBytes()
	if err != nil || n != 64<<20 {
		t.Errorf("max data size = %d, %v", n, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"storage type", func(c *Config) { c.Storage.Type = "ftp" }},
		{"s3 bucket", func(c *Config) { c.Storage.Type = "s3" }},
		{"density", func(c *Config) { c.Conversion.SparseDensity = 1.5 }},
		{"max size", func(c *Config) { c.Policy.MaxDataSize = "lots" }},
		{"dpi", func(c *Config) { c.Policy.DPI["small"] = 0 }},
		{"admins", func(c *Config) { c.Mail.SMTPAddr = "localhost:25" }},
		{"concurrency", func(c *Config) { c.Scraper.Concurrency = 0 }},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Resolve()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "mldata.yaml")
	body := `
data_dir: /srv/mldata
storage:
  type: s3
  s3:
    bucket: datasets
conversion:
  sparse_density: 0.25
policy:
  max_data_size: 1 GiB
  dpi:
    small: 30
http:
  addr: ":9000"
  read_timeout: 45s
`
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(p)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.DataDir != "/srv/mldata" || cfg.Storage.S3.Bucket != "datasets" || cfg.Conversion.SparseDensity != 0.25 {
		t.Errorf("got %+v", cfg)
	}
	if cfg.HTTP.Addr != ":9000" || cfg.HTTP.ReadTimeout != 45*time.Second {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	if !cfg.Conversion.Verify {
		t.Error("unset fields should keep their defaults")
	}
	if n, _ := cfg.MaxDataSizeBytes(); n != 1<<30 {
		t.Errorf("max data size = %d", n)
	}
}

func TestLoadFromFileUnsupported(t *testing.T) {
	p := filepath.Join(t.TempDir(), "mldata.toml")
	os.WriteFile(p, []byte("x = 1"), 0644)
	if _, err := LoadFromFile(p); err == nil {
		t.Error("expected an error for .toml")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MLDATA_DATA_DIR", "/tmp/ml")
	t.Setenv("MLDATA_SMTP_ADDR", "mail:25")
	t.Setenv("MLDATA_MAIL_ADMINS", "a@x.org,b@x.org")
	t.Setenv("MLDATA_VERIFY", "false")
	t.Setenv("MLDATA_PROGRESS_TTL", "10m")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	if cfg.DataDir != "/tmp/ml" || cfg.Mail.SMTPAddr != "mail:25" || len(cfg.Mail.Admins) != 2 {
		t.Errorf("got %+v", cfg)
	}
	if cfg.Conversion.Verify || cfg.Progress.TTL != 10*time.Minute {
		t.Errorf("verify %v ttl %v", cfg.Conversion.Verify, cfg.Progress.TTL)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file should be ignored, got %v", err)
	}
	p := filepath.Join(dir, ".env")
	os.WriteFile(p, []byte("MLDATA_TEST_DOTENV=loaded\n"), 0644)
	t.Setenv("MLDATA_TEST_DOTENV", "")
	os.Unsetenv("MLDATA_TEST_DOTENV")
	if err := LoadDotEnv(p); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("MLDATA_TEST_DOTENV"); got != "loaded" {
		t.Errorf("got %q", got)
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "root")
	cfg.Resolve()
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{cfg.CacheDir, cfg.TempDir, cfg.Storage.Path} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("%s not created", dir)
		}
	}
}
