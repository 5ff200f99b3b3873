/*
Package engine implements the container lifecycle state machine.

An Engine sits between the record store and the container runtime and
owns every durable transition:

	created → running ⇄ stopped → removed

"removed" is terminal and reachable from any other state (forced
destroy). Each operation authorizes the caller first: the record's
owner or an admin, with removed records failing as not found.

# Creation

Create runs quota check → port reservation → runtime create+start →
record insert. The port allocator serializes reservation in-process;
the store re-validates live-port uniqueness inside the insert
transaction, and a lost race is retried once with a fresh port before
an allocation conflict is surfaced. Runtime failures tear down whatever
half-exists: no record is persisted and the reserved port is released,
so a failed creation leaves no durable trace.

# Removal ordering

Remove finalizes the record before issuing the destructive runtime
call. A crash between the two leaves a removed record and a stray
runtime container, which is harmless; the opposite order could leave a
live record pointing at nothing.

# Extension

Extend is only permitted inside the configured window before the
deadline (TooEarly otherwise), at most MaxExtensions times per
container (LimitReached), and applies the deadline bump and the counter
increment in one store transaction.
*/
package engine
