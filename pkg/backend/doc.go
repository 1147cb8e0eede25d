/*
Package backend adapts an ordered-key store to keystone's storage
contract: row reads by key, bounded index range scans, atomic
precondition-checked commit bundles, and per-table change notifications.

# Contract

A Bundle is all-or-nothing. Checks run first against the live state:

	VER   row version equals the value the session read
	NX    row must not exist (insert)
	EX    row must exist (update, delete)
	UNIQ  index member prefix must be absent, unless every conflicting
	      member is deleted in the same bundle (the swap rule)

If every check passes the ops apply atomically and one Change is
published on each touched table topic, carrying the commit sequence and
the changed row ids. Delivery order equals commit order. A failed VER
check reports ErrRace; a failed UNIQ check reports ErrUnique; both leave
the store untouched.

# Variants

RedisBackend runs the bundle inside a server-side Lua script so checks
and mutations are one atomic step, keeps indexes in sorted sets, and
publishes notifications from within the script. Writes go to the master;
range reads are steered to weighted replicas. Stale replica reads are
acceptable because read-your-writes is the session cache's job.

BoltBackend is the single-host variant: one memory-mapped file, the
bundle applied in a single write transaction, ordered indexes emulated
with byte-sortable score encodings, and an in-process notifier fanning
changes out to subscribers.

# Range queries

Ranges are inclusive. Numeric bounds outside the column type's domain
fail with QueryError; nil bounds expand to the type's extremes. String
and byte columns order lexicographically through the member encoding.
*/
package backend
