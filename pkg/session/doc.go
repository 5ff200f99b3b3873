// Package session manages interactive terminal sessions and live log
// streams for sandbox containers.
//
// A terminal session is an exec process with a PTY inside a running
// container, relayed to a Sink owned by the caller's connection. The
// Registry enforces at most one live terminal per container: opening a
// new one evicts the old one, and the newest connection always wins.
// Sessions are transient, in-memory state; nothing here survives a
// process restart.
//
// Log streams are read-only and unlimited in number. Each stream
// replays the recent log tail and then follows new output until its
// context is cancelled or the container goes away.
package session
