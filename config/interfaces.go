// Package config loads svcregistry configuration from YAML or TOML files and
// SVCREGISTRY_* environment overrides, then validates it.
package config

import (
	"time"
)

// SourceType names where a configuration layer came from.
type SourceType string

const (
	SourceDefaults SourceType = "defaults"
	SourceYAML     SourceType = "yaml"
	SourceTOML     SourceType = "toml"
	SourceEnv      SourceType = "env"
)

// Source describes one layer applied by a Loader.
type Source struct {
	Type       SourceType `json:"type"`
	Location   string     `json:"location,omitempty"` // file path or variable prefix
	Priority   int        `json:"priority"`           // higher priority overrides lower
	LoadedAt   time.Time  `json:"loaded_at"`
	Overridden []string   `json:"overridden,omitempty"` // variables applied, env only
}

// FieldProvenance records which source last set a field.
type FieldProvenance struct {
	FieldPath    string     `json:"field_path"`
	Source       SourceType `json:"source"`
	SourceDetail string     `json:"source_detail"` // e.g. "SVCREGISTRY_TRACKER_WORKERS"
	Value        any        `json:"value"`
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)
