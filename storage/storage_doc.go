// Package storage persists signing key records.
//
// Three RecordStore implementations share the same lifecycle rules:
//
//   - MemoryStore: process memory, for tests and development
//   - FileStore: one JSON file per wallet, replaced atomically on every write
//   - RedisStore: one CBOR value per wallet, updated with WATCH/MULTI/EXEC
//
// A wallet's records are always read and written together, so every mutation
// is a single conditional update over the whole record set. This is what
// makes the store the concurrency guard for rotations: a PendingRotation
// record can only be created while the Active record it replaces is still
// Active and no other rotation is pending, and a promotion applies to both
// records or to neither.
//
// # Store URI Format
//
//	memory://
//	file:///var/lib/custody
//	redis://:password@redis.internal:6379/0?prefix=custody
package storage
