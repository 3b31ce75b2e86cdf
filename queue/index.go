package queue

import (
	"context"

	"github.com/vinayprograms/taskqueue/store"
)

// Index maintains the per-status membership sets. An entry is a bare
// presence marker at <root>/<status>/<key>; task data always comes from
// the master record.
type Index struct {
	store store.Store
	root  string
}

// NewIndex creates an index manager rooted at root.
func NewIndex(s store.Store, root string) *Index {
	return &Index{store: s, root: root}
}

// Path returns the path of a status set.
func (ix *Index) Path(status Status) string {
	return store.Join(ix.root, string(status))
}

func (ix *Index) entry(status Status, key string) string {
	return store.Join(ix.root, string(status), key)
}

// Add marks key as a member of status.
func (ix *Index) Add(ctx context.Context, status Status, key string) error {
	return ix.store.Write(ctx, ix.entry(status, key), true)
}

// Remove clears key from status. Removing an absent member is not an error.
func (ix *Index) Remove(ctx context.Context, status Status, key string) error {
	return ix.store.Write(ctx, ix.entry(status, key), nil)
}

// QueryOne returns the earliest member of status. ok is false when the
// set is empty.
func (ix *Index) QueryOne(ctx context.Context, status Status) (key string, ok bool, err error) {
	children, err := ix.store.QueryOrdered(ctx, ix.Path(status), 1)
	if err != nil || len(children) == 0 {
		return "", false, err
	}
	return children[0].Key, true, nil
}

// Members returns up to limit members of status in key order.
// A limit of 0 returns every member.
func (ix *Index) Members(ctx context.Context, status Status, limit int) ([]string, error) {
	children, err := ix.store.QueryOrdered(ctx, ix.Path(status), limit)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(children))
	for i, child := range children {
		keys[i] = child.Key
	}
	return keys, nil
}

// OnAdded subscribes to members of status: one event per existing member,
// then one per arrival.
func (ix *Index) OnAdded(status Status) (store.Subscription, error) {
	return ix.store.SubscribeChildAdded(ix.Path(status))
}

// Watch subscribes to full snapshots of the status set.
func (ix *Index) Watch(status Status) (store.Subscription, error) {
	return ix.store.SubscribeValue(ix.Path(status), store.SubscribeOptions{})
}
