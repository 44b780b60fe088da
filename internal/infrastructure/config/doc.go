// Package config handles loading and validating MoIP manager configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (MOIP_*)
//   - Validation of ports, timeouts and backoff settings
//   - Default value handling
//
// Security Considerations:
//   - Controller passwords should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - TLS verification of the controller is off by default because the
//     controller presents a self-signed certificate
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Controller.Host)
package config
