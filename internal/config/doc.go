// Package config loads YAML configuration with ${ENV} substitution,
// defaults, and validation for the streamer and recorder binaries.
package config
