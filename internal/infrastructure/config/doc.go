// Package config handles loading and validating BACnet hub configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with BACNETHUB_* environment variables
//   - Validation of required fields (all problems reported together)
//   - Reading the optional configuration entries seed file
//
// Security Considerations:
//   - The Home Assistant token and JWT secret should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	entries, err := cfg.LoadEntries()
package config
