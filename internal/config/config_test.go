package config

import (
	"testing"
)

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 10 {
		t.Errorf("ReadTimeoutSec = %d, want 10", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.Index.Schema != "pdf_page" {
		t.Errorf("Index.Schema = %q, want pdf_page", cfg.Index.Schema)
	}
	if cfg.Index.CLIBinary != "vespa" {
		t.Errorf("Index.CLIBinary = %q, want vespa", cfg.Index.CLIBinary)
	}
	if cfg.Index.KeepaliveSec != 5 {
		t.Errorf("Index.KeepaliveSec = %d, want 5", cfg.Index.KeepaliveSec)
	}
	if cfg.Embedding.Dimensions != 128 {
		t.Errorf("Embedding.Dimensions = %d, want 128", cfg.Embedding.Dimensions)
	}
	if cfg.Cache.Driver != "memory" {
		t.Errorf("Cache.Driver = %q, want memory", cfg.Cache.Driver)
	}
	if cfg.SimMap.Workers != 4 {
		t.Errorf("SimMap.Workers = %d, want 4", cfg.SimMap.Workers)
	}
	if cfg.SimMap.PollMs != 500 {
		t.Errorf("SimMap.PollMs = %d, want 500", cfg.SimMap.PollMs)
	}
	if cfg.Chat.ImageWaitSec != 10 {
		t.Errorf("Chat.ImageWaitSec = %d, want 10", cfg.Chat.ImageWaitSec)
	}
	if cfg.Chat.ImagePollMs != 200 {
		t.Errorf("Chat.ImagePollMs = %d, want 200", cfg.Chat.ImagePollMs)
	}
	if cfg.Storage.KeyPrefix != "visidex:" {
		t.Errorf("Storage.KeyPrefix = %q, want visidex:", cfg.Storage.KeyPrefix)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{}
	valid.HTTP.Port = 8080
	valid.Database.Addrs = []string{"localhost:6379"}
	valid.Index.Tenant = "t"
	valid.Index.Application = "a"
	valid.Index.Instance = "i"
	valid.Embedding.BaseURL = "http://localhost:8000"
	valid.ApplyDefaults()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, true},
		{"no db addrs", func(c *Config) { c.Database.Addrs = nil }, true},
		{"missing tenant", func(c *Config) { c.Index.Tenant = "" }, true},
		{"missing embedding url", func(c *Config) { c.Embedding.BaseURL = "" }, true},
		{"bad cache driver", func(c *Config) { c.Cache.Driver = "memcached" }, true},
		{"redis cache driver ok", func(c *Config) { c.Cache.Driver = "redis" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("VISIDEX_TEST_TOKEN", "secret")

	in := []byte("api_key: ${VISIDEX_TEST_TOKEN}\nmodel: ${VISIDEX_TEST_MISSING:-colpali-v1.2}\n")
	out := string(expandEnvVars(in))

	if out != "api_key: secret\nmodel: colpali-v1.2\n" {
		t.Errorf("expandEnvVars produced %q", out)
	}
}
