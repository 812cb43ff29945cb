// Package config loads and validates runnerd configuration from TOML.
//
// Configuration resolves from an explicit path, then ~/.config/runnerd/config.toml,
// then ./runnerd.toml, falling back to built-in defaults when no file exists.
// All path fields are home-expanded and absolutized during normalization so the
// rest of the daemon never deals with relative paths.
package config
