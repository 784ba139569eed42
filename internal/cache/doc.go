// Package cache defines the durable, origin-scoped response store used by the
// offline cache controller. Stored responses are keyed by request identity
// (method + absolute URL) and grouped into named partitions, one per cache
// generation. A generation is created when a worker version installs, filled
// with its core assets, and dropped as a whole once a newer generation takes
// over. Backends: a plain directory tree (temp file + rename), an embedded
// LevelDB database, or a shared Redis instance; entries are serialized with
// msgpack or CBOR, and an optional in-process memory tier can sit in front of
// any backend.
package cache
