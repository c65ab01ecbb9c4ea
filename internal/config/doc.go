// Package config provides centralized configuration management for the
// Citadel daemon: a JSON configuration file with sensible defaults, a YAML
// chain endpoint table resolved relative to it, and environment-variable
// indirection for every secret (master seed, exchange keys, advisor keys) so
// that no credential ever lives in the file itself.
package config
