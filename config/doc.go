// Package config loads and validates the gateway configuration.
//
// A configuration declares the AMI servers, the session timing shared by
// every connection, database connection profiles, destinations and the
// clauses that route events to them. Files may be JSON or YAML; the format
// follows the extension.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/amilogger/base.yaml")
//	loader.AddLayer("/etc/amilogger/site.yaml") // overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//
// Layers are merged key by key onto Defaults(). Lists (servers,
// destinations, clauses) are replaced as a whole by the last layer that sets
// them. After merging, AMILOGGER_METRICS_PORT and AMILOGGER_LOG_DIR override
// the metrics port and the default file directory.
//
// Validate reports every problem it finds at once. It compiles the clauses
// against the declared destinations, so a clause without destinations or
// naming an unknown destination fails validation.
//
// Files larger than 10MB, nested deeper than 100 levels or whose relative
// path leaves the working directory are rejected before parsing.
package config
