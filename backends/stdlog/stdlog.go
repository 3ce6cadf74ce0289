// Package stdlog builds the Worker Runtime's self.loggers factory
// (internal/logger.Factory) from the declarative `logging` config section
// (§6.1): a default level plus per-category overrides. It is the
// logging-side counterpart to backends/memcache, memdir, and sqlitedb —
// a reference construction of an ambient concern from config rather than
// a §6.2 pluggable backend, since self.loggers has no module/export name to
// resolve.
package stdlog

import (
	"fmt"
	"strings"

	"github.com/shovelrun/shovel/internal/config"
	"github.com/shovelrun/shovel/internal/logger"
)

// ParseLevel maps a config-file level name to a logger.Level.
func ParseLevel(name string) (logger.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return logger.LevelDebug, nil
	case "info":
		return logger.LevelInfo, nil
	case "warning", "warn":
		return logger.LevelWarning, nil
	case "error":
		return logger.LevelError, nil
	default:
		return 0, fmt.Errorf("stdlog: unknown level %q", name)
	}
}

// Build constructs a logger.Factory from cfg: loggers.Loggers["default"]
// sets the base level (logger.LevelInfo if absent), and every other key
// becomes a per-category override via Factory.SetOverride. cfg.Sinks names
// where log lines go; this reference implementation only supports
// "stderr" (internal/logger.New's hard-coded writer), so any other sink
// name fails fast rather than silently dropping log output.
func Build(cfg config.Logging) (*logger.Factory, error) {
	for _, sink := range cfg.Sinks {
		if sink != "stderr" {
			return nil, fmt.Errorf("stdlog: unsupported sink %q (reference backend only writes stderr)", sink)
		}
	}

	base := logger.LevelInfo
	if raw, ok := cfg.Loggers["default"]; ok {
		lvl, err := ParseLevel(raw)
		if err != nil {
			return nil, err
		}
		base = lvl
	}

	factory := logger.NewFactory(base)
	for category, raw := range cfg.Loggers {
		if category == "default" {
			continue
		}
		lvl, err := ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("stdlog: category %q: %w", category, err)
		}
		factory.SetOverride(category, lvl)
	}
	return factory, nil
}
