// Package config loads taskwatch settings from defaults, an optional YAML file
// and TASKWATCH_ environment variables, and validates them.
package config
