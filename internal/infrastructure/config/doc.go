// Package config handles loading and validating Phonos configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields and timing relationships
//   - Default value handling
//
// Timing relationships are validated here rather than at the point of use:
// the subscription renewal margin must leave headroom for a failed renew to
// fall back to a fresh subscribe before the old subscription expires.
//
// Security Considerations:
//   - Sensitive values (MQTT passwords) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Household.Name)
package config
