// Package store provides the hierarchical realtime store the task queue is
// built on.
//
// The Store interface is a JSON-shaped tree addressed by slash separated
// paths, with whole-value reads and writes, shallow merges, a single-path
// compare-and-set, value and child-added subscriptions, and ordered child
// queries. Nothing else is atomic.
//
// # Backends
//
//   - NATSStore: NATS JetStream KV (production). Each leaf is a KV key.
//   - MemoryStore: in-process tree (testing, single process).
//
// # Usage
//
//	// Production: NATS JetStream KV
//	conn, _ := store.Connect(store.DefaultConnectConfig())
//	s, _ := store.NewNATSStore(store.NATSStoreConfig{
//	    Conn:   conn,
//	    Bucket: "taskqueue",
//	})
//
//	// Testing: in-memory with a fixed clock
//	s := store.NewMemoryStore(store.WithClock(func() time.Time { return now }))
//
//	// Write a record with a server-resolved timestamp
//	s.Write(ctx, "queue/tasks/k1", map[string]any{
//	    "status":    "available",
//	    "timeAdded": store.ServerTimestamp(),
//	})
//
//	// Claim a field only if nobody holds it
//	res, _ := s.ConditionalUpdate(ctx, "queue/tasks/k1/workerID", func(cur any) (any, bool) {
//	    if cur != nil {
//	        return nil, false
//	    }
//	    return "alice", true
//	})
//
//	// Follow an index
//	sub, _ := s.SubscribeChildAdded("queue/available")
//	for ev := range sub.Events() {
//	    fmt.Println("new task", ev.Key)
//	}
package store
