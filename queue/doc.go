// Package queue coordinates a task queue shared by many untrusted clients
// through a hierarchical realtime store.
//
// Producers publish tasks, workers claim them with an atomic compare-and-set
// on the task's workerID, and the winner drives the task through
// available -> active -> complete|error. Status membership is kept in
// per-status indices next to the master record:
//
//	<root>/tasks/<key>        master record
//	<root>/<status>/<key>     true while the task has that status
//
// # Transitions are not atomic
//
// The store only guarantees single-path atomicity, so a transition is a
// sequence of independent writes: read the master record, remove the old
// index entry, merge the changed fields, re-read, add the new index entry.
// A crash between steps leaves the indices disagreeing with the master
// record. ReclaimStale and RepairOrphans are the compensating sweeps; run
// them periodically (see Sweeper). Claim exclusivity never depends on them.
//
// # Basic Usage
//
//	s := store.NewMemoryStore()
//	c, _ := queue.New(s, queue.DefaultConfig())
//
//	// Producer
//	task, _ := c.Publish(ctx, &queue.Task{Signed: "alice", Value: payload})
//
//	// Worker
//	w, _ := c.WatchQueueSerial(ctx, queue.StatusAvailable, func(ctx context.Context, t *queue.Task) error {
//	    claimed, err := c.Claim(ctx, t, "bob")
//	    if queue.IsAlreadyClaimed(err) {
//	        return nil // someone else got it
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    _, err = c.Complete(ctx, claimed, map[string]any{"x": 1})
//	    return err
//	})
//	defer w.Stop()
//
//	// Anyone: wait for the queue to drain
//	m, _ := c.MonitorForIdle(func() { log.Println("idle") }, time.Minute, true)
//	defer m.Stop()
package queue
