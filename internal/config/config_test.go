package config

import "testing"

const sample = `{
  "port": 8080,
  "host": "127.0.0.1",
  "workers": 8,
  "logging": {"sinks": ["stderr"], "loggers": {"cache": "debug"}},
  "caches": {
    "api-*": {"module": "memcache", "opts": {"ttl": 60}},
    "api-auth": {"module": "memcache", "export": "sharded"}
  },
  "directories": {},
  "databases": {
    "m": {"module": "sqlitedb", "url": "file:m.db"}
  }
}`

func TestParseTopLevelFields(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != 8080 || cfg.Host != "127.0.0.1" || cfg.Workers != 8 {
		t.Fatalf("unexpected top-level fields: %+v", cfg)
	}
	if len(cfg.Logging.Sinks) != 1 || cfg.Logging.Sinks[0] != "stderr" {
		t.Fatalf("unexpected logging sinks: %+v", cfg.Logging)
	}
}

func TestParsePreservesCacheKeyOrder(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Caches.Order) != 2 || cfg.Caches.Order[0] != "api-*" || cfg.Caches.Order[1] != "api-auth" {
		t.Fatalf("unexpected key order: %v", cfg.Caches.Order)
	}
	entry, ok := cfg.Caches.Entries["api-auth"]
	if !ok || entry.Module != "memcache" || entry.Export != "sharded" {
		t.Fatalf("unexpected entry: %+v, ok=%v", entry, ok)
	}
}

func TestParseRejectsUnknownTopLevelField(t *testing.T) {
	_, err := Parse([]byte(`{"bogus": true}`))
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestParseEmptySection(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Directories.Entries) != 0 {
		t.Fatalf("expected empty directories section, got %+v", cfg.Directories)
	}
}

func TestDefault(t *testing.T) {
	d := Default()
	if d.Port == 0 || d.Host == "" || d.Workers == 0 {
		t.Fatalf("expected non-zero defaults, got %+v", d)
	}
}
