// Package config loads, normalizes, and validates stemdeck configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// STEMDECK_REDIS_PASSWORD. The Config type centralizes every knob the daemon
// and CLI need: ledger and artifact directories, worker concurrency caps, the
// two supervision timeouts per job kind, reservation backoff, and the optional
// Redis broadcaster and metrics endpoint.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
