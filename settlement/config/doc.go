// Package config loads settlementd settings from an optional YAML file and
// SETTLEMENT_* environment overrides.
package config
