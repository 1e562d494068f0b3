// Package config loads the daemon configuration: built-in defaults, then a
// YAML file with ${VAR} expansion, then MCPTRADER_* environment overrides.
// An optional .env file is exported into the environment first.
package config
