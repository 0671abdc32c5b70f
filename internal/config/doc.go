// Package config handles configuration loading, parsing, and validation
// from environment variables (prefixed CAPTIONQ_) and an optional
// config.yaml file. It provides type-safe access to settings needed by the
// server and the external worker while keeping configuration details out
// of the queue and worker code.
package config
