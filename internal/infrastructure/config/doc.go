// Package config handles loading and validating the Fibaro bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (optionally seeded from a .env file)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Hub and broker passwords should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	if err := config.LoadDotEnv(".env"); err != nil {
//	    log.Fatal(err)
//	}
//	cfg, err := config.Load("configs/fibaro.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Hub.Address)
package config
