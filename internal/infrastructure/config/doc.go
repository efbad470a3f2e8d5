// Package config handles loading and validating the Deerma bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (DEERMA_*)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The account secret and broker passwords should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Account.Phone)
package config
