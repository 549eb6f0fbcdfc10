// Package config handles loading and validating HomeGrow Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (HOMEGROW_*)
//   - Validation of required fields
//   - Default value handling
//
// Discovery can be switched off without editing the file: set
// HOMEGROW_DISCOVERY_DISABLED=true, or run with HOMEGROW_ENV=development.
// Both force discovery.enabled to false so a development machine never
// multicasts announcements onto the local network.
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.DefaultPath)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Discovery.Product)
package config
