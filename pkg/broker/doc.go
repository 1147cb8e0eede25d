/*
Package broker maintains live subscriptions over backend change topics.

A subscription is either a row watch (one indexed column equals a value)
or a range watch (an inclusive index window with limit and direction).
Both resolve to a fingerprint of the normalized query; subscribing twice
to the same fingerprint on one connection reuses the handle.

The broker runs one watcher goroutine per backend topic. On each change
it re-runs the affected subscriptions' queries and diffs the membership
against what each subscriber last saw, emitting insert, update and
delete row events in commit order. OWNER-class tables are filtered to
the subscriber's own rows.

Delivery is at-most-once per message. When a client cannot accept a
push the broker coalesces the latest state per row and retries on a
timer until the backlog drains; when the backlog exceeds the pending
limit, or retries exhaust, the subscription is evicted with
SubscriptionEvicted rather than stalling the topic.
*/
package broker
