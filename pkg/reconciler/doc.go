/*
Package reconciler corrects drift between stored container state and
runtime ground truth.

Every tick (60 seconds by default) the loop fetches all live records
and, for each one independently:

 1. asks the runtime for the container's current state. A container the
    runtime no longer knows is finalized as removed and audited as
    purged; its record is permanently out of management.
 2. persists the runtime-reported status when it differs from the
    stored one.
 3. force-removes the container once its destruction deadline has
    passed, finalizing the record and auditing the expiry.

A failure on one record never aborts the tick for the rest: the error
is logged, counted, and the record is retried naturally on the next
tick. Ticks do not overlap, so a record is only ever touched by one
reconciliation at a time, and record updates go through the store's
transactional mutate so a manual action racing the loop cannot be lost.
*/
package reconciler
