// Package config loads, normalizes, and validates shepherd configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// SHEPHERD_PROJECT and SHEPHERD_STORAGE_ROOT. The Config type centralizes every
// knob the daemon and CLI need, so the scratch root, cold-storage root, and
// external tool settings are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
