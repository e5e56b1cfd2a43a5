// Package config handles loading and validating the weave daemon
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// It is distinct from the device settings bag: this configuration is
// host-fixed (model identity, cloud credentials, broker endpoints) and
// feeds the settings defaults through the config store, while the
// settings bag itself is mutated at runtime through transactions.
//
// Security Considerations:
//   - Sensitive values (tokens, client secrets) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Device.Name)
package config
