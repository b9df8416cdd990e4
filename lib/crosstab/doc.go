/*
Package crosstab relays change events between execution contexts ("tabs")
on the same device.

Delivery is best effort and at most once per message. The document store is
the source of truth, so a dropped message only delays convergence: the
receiving context still sees the change through its own store feed or the
next remote pull.

Outgoing events are deduplicated on (documentId, revision) for a short time
and rate limited per fixed window. Incoming events from this context are
dropped, duplicates are dropped, and every delivered event is re-tagged with
origin CrossTab no matter what the sender claims.

Buses:
  - Hub: in-process bus for contexts living in one process (and tests)
  - wsbus: websocket bus for contexts in separate processes
*/
package crosstab
