// Package config implements the engine configuration schema (§6.1):
// port/host/workers, logging sinks/loggers, and the caches/directories/
// databases sections consumed by the Config Reifier (internal/reify).
//
// Adapted from the teacher's config.LoadConfig (config/config.go): same
// json.Decoder().DisallowUnknownFields() loading idiom, generalised from a
// flat scraping-engine struct to this runtime's nested schema. The
// caches/directories/databases sections additionally need their *source*
// key order preserved (the Config Reifier's glob matching is insertion-order
// sensitive, and Go map iteration is not), so this package parses those
// three sections with a json.Decoder token walk instead of a plain
// json.Unmarshal into map[string]T.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/shovelrun/shovel/internal/reify"
)

// Logging holds the `logging.{sinks,loggers}` section.
type Logging struct {
	Sinks   []string          `json:"sinks"`
	Loggers map[string]string `json:"loggers"`
}

// Section is an ordered caches/directories/databases section: Entries holds
// the decoded values, Order the source key order for glob resolution.
type Section struct {
	Entries reify.NamedSection
	Order   []string
}

// Config is the top-level engine configuration (§6.1).
type Config struct {
	Port        int
	Host        string
	Workers     int
	Logging     Logging
	Caches      Section
	Directories Section
	Databases   Section
}

// rawConfig mirrors Config for the fields encoding/json can decode
// directly; the ordered sections are decoded separately from the same
// raw bytes.
type rawConfig struct {
	Port        int             `json:"port"`
	Host        string          `json:"host"`
	Workers     int             `json:"workers"`
	Logging     Logging         `json:"logging"`
	Caches      json.RawMessage `json:"caches"`
	Directories json.RawMessage `json:"directories"`
	Databases   json.RawMessage `json:"databases"`
}

// Load reads and parses the JSON config at filename.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", filename, err)
	}
	return Parse(data)
}

// Parse decodes data into a Config. Unknown top-level fields are rejected
// the same way the teacher's loader rejects them, to catch config typos
// early.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	cfg := &Config{
		Port:    raw.Port,
		Host:    raw.Host,
		Workers: raw.Workers,
		Logging: raw.Logging,
	}

	var err error
	if cfg.Caches, err = parseSection(raw.Caches); err != nil {
		return nil, fmt.Errorf("config: caches: %w", err)
	}
	if cfg.Directories, err = parseSection(raw.Directories); err != nil {
		return nil, fmt.Errorf("config: directories: %w", err)
	}
	if cfg.Databases, err = parseSection(raw.Databases); err != nil {
		return nil, fmt.Errorf("config: databases: %w", err)
	}
	return cfg, nil
}

// Default returns production-sensible defaults, mirroring the teacher's
// DefaultConfig helper.
func Default() *Config {
	return &Config{
		Port:    7777,
		Host:    "0.0.0.0",
		Workers: 4,
	}
}

func parseSection(raw json.RawMessage) (Section, error) {
	if len(raw) == 0 {
		return Section{Entries: reify.NamedSection{}}, nil
	}

	order, err := objectKeyOrder(raw)
	if err != nil {
		return Section{}, err
	}

	entries := make(map[string]reify.Entry)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return Section{}, err
	}
	section := reify.NamedSection{}
	for k, v := range entries {
		section[k] = v
	}
	return Section{Entries: section, Order: order}, nil
}

// objectKeyOrder walks raw (a JSON object) with a token decoder to recover
// the order its keys appeared in the source document. Each value is
// consumed with Decode into a throwaway json.RawMessage so the decoder
// itself handles arbitrarily nested values; this function never has to
// track nesting depth by hand.
func objectKeyOrder(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("config: expected object")
	}

	var order []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("config: expected object key, got %v", keyTok)
		}
		order = append(order, key)

		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil, err
		}
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, err
	}
	return order, nil
}
