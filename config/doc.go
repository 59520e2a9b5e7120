// Package config loads and validates gcstreams configuration.
//
// Configuration is layered: built-in defaults, then zero or more JSON or YAML
// files, then GCSTREAMS_* environment variables. Each file is checked against
// an embedded JSON schema before it is merged, and the merged result is
// checked by Config.Validate.
//
//	loader := config.NewLoader()
//	loader.AddLayer("gcstreams.yaml")
//	loader.AddLayer("overrides.json")
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Nested keys map to environment variables by joining with underscores:
// bus.nats.urls is GCSTREAMS_BUS_NATS_URLS, and list values are comma
// separated.
package config
