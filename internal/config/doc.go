// Package config provides centralized configuration management for the
// OpenDEX runtime, covering the API server, ledger storage backends, batch
// flush queues, and chain endpoint definitions. Values are loaded from a JSON
// file with sensible defaults applied for anything the operator leaves unset.
package config
