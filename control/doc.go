// Package control
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime configuration, metrics and debug introspection for the daemon.
//
// Provides concurrent-safe state handling primitives including:
//   - Environment-backed configuration with .env support
//   - Immutable snapshot config reads and validated updates
//   - Reload listeners for hot changes such as the log level
//   - Counters safe for the realtime path
//   - Named debug probes
package control
