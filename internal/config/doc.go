// Package config loads the JSON runtime configuration, fills defaults relative
// to the config file's directory, and overlays secrets from the environment.
package config
