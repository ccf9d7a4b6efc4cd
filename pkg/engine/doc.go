// Package engine assembles emberdb's concurrency substrate (pkg/lock),
// page manager (pkg/page), undo log (pkg/undo), replication log and
// consensus core (pkg/replog, pkg/controller) and membership roster
// (pkg/group) into one embeddable Database.
//
// Database stands in for a B-tree / SQL layer this codebase deliberately
// does not implement: it is the external collaborator that calls into the
// lock, page, and undo cores through their public interfaces, giving each
// of those cores a concrete caller to exercise.
package engine
