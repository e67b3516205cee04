// Package config loads and validates driver configuration.
//
// Configuration comes from a YAML file plus flag overrides applied by the
// CLI. A zero config is usable after Normalize fills in defaults.
package config
