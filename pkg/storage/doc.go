/*
Package storage provides durable state for sandbay backed by BoltDB.

The store holds three buckets: container records, templates, and the
audit log. Values are JSON; keys are big-endian record ids assigned from
the bucket sequence, so cursor order is insertion order.

Two guarantees matter to the rest of the system:

  - CreateContainer checks for a live record holding the same host port
    inside the same write transaction that inserts the new record. Two
    racing creations cannot both commit the same port; the loser gets an
    allocation-conflict error and retries with a fresh port.
  - MutateContainer applies a caller-supplied closure to the record
    inside a single write transaction, so concurrent updates (a manual
    stop racing the reconciler, say) cannot silently overwrite each
    other. Records already marked removed are refused, which is what
    makes "removed" a one-way transition.

BoltDB serializes all write transactions, which is the isolation these
guarantees lean on. The database lives in a single file under the
configured data directory.
*/
package storage
