// Package config loads courier's configuration: built-in defaults, an
// optional JSON file, then COURIER_* environment variables. Command-line
// flags are applied last by the server command.
//
// Example:
//
//	cfg, err := config.Load("/etc/courier.json")
//	if err != nil { /* handle */ }
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil { /* handle */ }
package config
