// Package config loads the suite's own settings from YAML and validates the
// configuration a user supplies for each test module against the module's
// CUE schema.
package config
