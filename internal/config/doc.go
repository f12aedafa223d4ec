// Package config provides configuration loading and validation for the
// interview streaming client and its dev server. It handles YAML-based
// configuration with struct validation.
package config
