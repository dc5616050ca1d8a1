// Package types defines the data model shared by the config store,
// transport, cache, manifest loader, scheduler and worker: the
// manifest binary layout, module flags, cache entries, task schedules
// and the enrollment platform payload.
//
// Types here are plain structs with typed string/uint8 enums, JSON
// serializable where persisted (pkg/cache) and binary-encoded where
// the wire format demands it (pkg/manifest).
package types
