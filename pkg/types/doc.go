/*
Package types defines the core data structures used throughout sandbay.

It contains the domain model shared by every other package: container
records, provisioning templates, audit entries, resource statistics, and
the structured error taxonomy that all engine, reconciler and session
operations return.

# Core Types

  - ContainerRecord: one provisioned sandbox, keyed by a store-assigned id.
    Its Status mirrors the runtime's reported state, except for the
    terminal "removed" marker which is owned by the record itself.
  - Template: the blueprint a container is provisioned from (image,
    advisory resource limits, default command, allowed interactive
    commands, exposed port).
  - Error / ErrorKind: classification of failures (forbidden, not found,
    quota exceeded, too early, limit reached, runtime error, allocation
    conflict) so callers dispatch on kinds rather than message text.

# Invariants

  - HostPort is unique across all records with Status != removed.
  - Status "removed" is a one-way transition.
  - ExtensionCount never exceeds the configured maximum.
  - DestroyAt only ever moves forward in time.

All types are JSON-serializable for storage in the bbolt-backed store.
*/
package types
