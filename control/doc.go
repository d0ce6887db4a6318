// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration and runtime metrics for the pipeline client.
//
// Provides:
//   - Typed configuration loaded from YAML and environment through viper
//   - A ConfigStore with hot-reload listeners driven by file watching
//   - Prometheus collectors for exchanges, retries, upgrades and frames
//   - Debug probes that expose live component state
package control
