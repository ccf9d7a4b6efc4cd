// Package wire implements emberdb's channel-level protocol: a
// length-prefixed frame codec for the controller's RPC opcodes, a Channel
// capability abstraction a transport must satisfy, an in-memory loopback
// Channel for tests and single-process clusters, and a delayed-task
// Scheduler the controller uses for election timers, heartbeat
// affirmation, and missing-data repair polling.
package wire
