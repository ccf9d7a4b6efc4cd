// Package controller implements emberdb's Raft-style replication core: a
// follower/candidate/leader role machine driven by randomized election
// timers, log replication with commit-index-by-median-match-index,
// missing-data gap repair, membership control-message dispatch into
// pkg/group, and snapshot transfer for new or far-behind members.
//
// A Controller owns one replog.StateLog and one group.GroupFile and
// drives them entirely through a wire.Channel; it has no knowledge of
// sockets or any particular transport.
package controller
