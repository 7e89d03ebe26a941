// Package control
// Author: momentics <momentics@gmail.com>
//
// Node configuration and runtime introspection for the mesh bus.
//
// Provides:
//   - YAML config loading with strict field validation and defaults
//   - the in-memory go-metrics sink and static label set
//   - named debug probes dumped by the status log
package control
