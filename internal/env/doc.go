// Package env holds the per-test Environment: named JSON subtrees addressed
// by a top-level key plus a dotted path, with a stackable alias table.
//
// # Ownership
//
// An Environment belongs to exactly one test module and is only touched from
// that module's executor goroutine. It is not safe for concurrent use.
//
// # Copy-on-write
//
// Stored trees are never mutated in place. Writes path-copy the maps between
// the root and the written element, and reads of whole objects hand out deep
// copies. Snapshot is therefore a shallow copy of the key table, and Restore
// puts the Environment back exactly as it was, which is how the condition
// runner rolls back a failed step.
//
// # Aliases
//
// MapKey(alias, real) makes every access through alias act on real.
// Remaps of the same alias stack: UnmapKey pops the most recent one and the
// previous mapping (or no mapping) becomes visible again.
package env
