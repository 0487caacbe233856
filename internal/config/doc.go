// Package config loads the VeriSwarm runtime configuration from a JSON or YAML
// file, fills in defaults for every section, resolves secrets referenced by
// *_env fields and validates driver combinations before any component starts.
package config
