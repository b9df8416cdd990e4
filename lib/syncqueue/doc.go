/*
Package syncqueue implements the debounced, coalescing sync queue.

At most one entry is pending per sync target. Scheduling a target that already
has a pending entry slides its deadline forward by the target's window and
increments the coalesced count instead of adding a second entry, so a burst of
N writes inside one window produces a single flush. After CoalesceCap
re-schedules the entry is flushed immediately so a continuous burst cannot
postpone it forever.

Work is run exactly once per flush and never retried here. The entry is
cleared before the work starts, so a failing work function cannot block later
scheduling. A target never runs two flushes at the same time: an entry that
falls due while its target is still flushing is run right after.

Example usage:

	q := syncqueue.New(syncqueue.DefaultOptions())
	defer q.Close(ctx)

	q.Schedule(model.TargetLocalPersist, func(ctx context.Context) error {
	    return persist(ctx)
	})
*/
package syncqueue
