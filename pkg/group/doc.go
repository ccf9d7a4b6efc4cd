// Package group implements emberdb's GroupFile: a versioned membership
// roster persisted as a UTF-8 "key = value" properties file, replaced
// atomically via the same write-new/rename-old/rename-new/delete-old
// recipe used by the replication metadata file.
//
// Membership changes go through a propose/apply pair: propose builds a
// control message and (optionally) registers a callback keyed by the
// exact message; apply, invoked once the replicated log commits that
// message, mutates the roster, persists it, and invokes any registered
// callback with a consistent point-in-time snapshot of the roster taken
// under the mutation lock.
package group
