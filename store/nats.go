package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// opTimeout bounds single key operations when the caller set no deadline.
	opTimeout = 5 * time.Second
	// scanTimeout bounds subtree scans when the caller set no deadline.
	scanTimeout = 10 * time.Second
	// maxConflictRetries bounds compare-and-set retries under contention.
	maxConflictRetries = 32
)

// NATSStore implements Store using NATS JetStream KV.
//
// Path a/b/c maps to KV key a.b.c and every leaf of a value is its own
// key, so a subtree is the set of keys under "a.b.c.>". Server timestamp
// sentinels are stored as-is and resolved on read to the creation time
// the server assigned to the entry.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool

	subMu sync.Mutex
	subs  map[*subscription]struct{}
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum leaf size in bytes.
	// Default: 1MB
	MaxValueSize int32

	// Replicas is the number of bucket replicas in a cluster.
	// Default: 1
	Replicas int
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "taskqueue",
		History:      1,
		MaxValueSize: 1024 * 1024, // 1MB
		Replicas:     1,
	}
}

// NewNATSStore creates a new NATS JetStream KV store.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = defaults.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = defaults.Replicas
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
		Replicas:     cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// toKey converts a slash path to a KV key.
func toKey(path string) string {
	return strings.ReplaceAll(path, "/", ".")
}

// withTimeout applies d unless ctx already carries a deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// isConflict reports whether err is a failed revision check.
func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// decodeEntry returns the leaf value of a KV entry.
func decodeEntry(entry jetstream.KeyValueEntry) (any, error) {
	var v any
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return nil, fmt.Errorf("%w: key %s: %v", ErrInvalidValue, entry.Key(), err)
	}
	if IsServerTimestamp(v) {
		return float64(entry.Created().UnixMilli()), nil
	}
	return v, nil
}

func (s *NATSStore) check(path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// GenerateKey returns a UUIDv7, which sorts in creation order.
func (s *NATSStore) GenerateKey(parent string) (string, error) {
	if err := s.check(parent); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// listLeaves returns the live entries at key and below it.
func (s *NATSStore) listLeaves(ctx context.Context, key string) (map[string]jetstream.KeyValueEntry, error) {
	ctx, cancel := withTimeout(ctx, scanTimeout)
	defer cancel()

	leaves := make(map[string]jetstream.KeyValueEntry)

	entry, err := s.kv.Get(ctx, key)
	switch {
	case err == nil:
		leaves[key] = entry
	case errors.Is(err, jetstream.ErrKeyNotFound):
	default:
		return nil, fmt.Errorf("kv get: %w", err)
	}

	watcher, err := s.kv.Watch(ctx, key+".>", jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}
	defer watcher.Stop()

	for {
		select {
		case entry, ok := <-watcher.Updates():
			if !ok || entry == nil {
				// Initial values delivered.
				return leaves, nil
			}
			leaves[entry.Key()] = entry
		case <-ctx.Done():
			return nil, fmt.Errorf("kv scan %s: %w", key, ctx.Err())
		}
	}
}

// readTree assembles the value stored at key.
func (s *NATSStore) readTree(ctx context.Context, key string) (any, error) {
	entries, err := s.listLeaves(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(entries) > 1 {
		// A stale leaf left where a subtree now lives.
		delete(entries, key)
	}
	leaves := make(map[string]any, len(entries))
	for k, entry := range entries {
		v, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		rel := ""
		if k != key {
			rel = strings.TrimPrefix(k, key+".")
		}
		leaves[rel] = v
	}
	if len(leaves) == 0 {
		return nil, nil
	}
	return assemble(leaves, "."), nil
}

// Read returns the value at path.
func (s *NATSStore) Read(ctx context.Context, path string) (any, error) {
	if err := s.check(path); err != nil {
		return nil, err
	}
	v, err := s.readTree(ctx, toKey(path))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// Write replaces the value at path. Leaves are put before stale leaves are
// deleted, so readers never observe the path empty during a replace.
func (s *NATSStore) Write(ctx context.Context, path string, value any) error {
	if err := s.check(path); err != nil {
		return err
	}
	v, err := Normalize(value)
	if err != nil {
		return err
	}
	return s.writeNormalized(ctx, path, v)
}

func (s *NATSStore) writeNormalized(ctx context.Context, path string, v any) error {
	key := toKey(path)

	existing, err := s.listLeaves(ctx, key)
	if err != nil {
		return err
	}

	fresh := make(map[string][]byte)
	for rel, leaf := range flatten(v, ".") {
		data, err := json.Marshal(leaf)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		if int32(len(data)) > s.config.MaxValueSize && s.config.MaxValueSize > 0 {
			return fmt.Errorf("%w: leaf %s exceeds %d bytes", ErrInvalidValue, rel, s.config.MaxValueSize)
		}
		fresh[joinRel(key, rel, ".")] = data
	}

	ctx, cancel := withTimeout(ctx, opTimeout)
	defer cancel()

	if len(fresh) > 0 {
		if err := s.clearAncestors(ctx, path); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(fresh))
	for k := range fresh {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := s.kv.Put(ctx, k, fresh[k]); err != nil {
			return fmt.Errorf("kv put: %w", err)
		}
	}

	for k := range existing {
		if _, ok := fresh[k]; ok {
			continue
		}
		if err := s.kv.Delete(ctx, k); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("kv delete: %w", err)
		}
	}
	return nil
}

// clearAncestors removes leaves stored at any proper prefix of path, which
// would otherwise shadow the subtree being written.
func (s *NATSStore) clearAncestors(ctx context.Context, path string) error {
	segs := Split(path)
	for i := 1; i < len(segs); i++ {
		key := strings.Join(segs[:i], ".")
		_, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("kv get: %w", err)
		}
		if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("kv delete: %w", err)
		}
	}
	return nil
}

// Merge replaces each named child of path. Children are written one at a
// time; there is no atomicity across fields.
func (s *NATSStore) Merge(ctx context.Context, path string, fields map[string]any) error {
	if err := s.check(path); err != nil {
		return err
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		if err := validateSegment(k); err != nil {
			return err
		}
		names = append(names, k)
	}
	sort.Strings(names)

	for _, k := range names {
		v, err := Normalize(fields[k])
		if err != nil {
			return err
		}
		if err := s.writeNormalized(ctx, path+"/"+k, v); err != nil {
			return err
		}
	}
	return nil
}

// ConditionalUpdate compares-and-sets the leaf at path using the KV
// revision. fn is re-run whenever another writer wins the race.
func (s *NATSStore) ConditionalUpdate(ctx context.Context, path string, fn UpdateFunc) (ConditionalResult, error) {
	if err := s.check(path); err != nil {
		return ConditionalResult{}, err
	}
	key := toKey(path)

	ctx, cancel := withTimeout(ctx, scanTimeout)
	defer cancel()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var (
			current  any
			revision uint64
		)
		entry, err := s.kv.Get(ctx, key)
		switch {
		case err == nil:
			current, err = decodeEntry(entry)
			if err != nil {
				return ConditionalResult{}, err
			}
			revision = entry.Revision()
		case errors.Is(err, jetstream.ErrKeyNotFound):
		default:
			return ConditionalResult{}, fmt.Errorf("kv get: %w", err)
		}

		next, commit := fn(cloneValue(current))
		if !commit {
			return ConditionalResult{Committed: false, Value: current}, nil
		}

		v, err := Normalize(next)
		if err != nil {
			return ConditionalResult{}, err
		}
		if isContainer(v) {
			return ConditionalResult{}, ErrNotLeaf
		}

		if v == nil {
			if revision == 0 {
				return ConditionalResult{Committed: true}, nil
			}
			err = s.kv.Delete(ctx, key, jetstream.LastRevision(revision))
		} else {
			data, merr := json.Marshal(v)
			if merr != nil {
				return ConditionalResult{}, fmt.Errorf("%w: %v", ErrInvalidValue, merr)
			}
			if revision == 0 {
				_, err = s.kv.Create(ctx, key, data)
			} else {
				_, err = s.kv.Update(ctx, key, data, revision)
			}
		}
		if isConflict(err) {
			continue
		}
		if err != nil {
			return ConditionalResult{}, fmt.Errorf("kv update: %w", err)
		}

		if IsServerTimestamp(v) {
			if entry, err := s.kv.Get(ctx, key); err == nil {
				if resolved, err := decodeEntry(entry); err == nil {
					v = resolved
				}
			}
		}
		return ConditionalResult{Committed: true, Value: v}, nil
	}
	return ConditionalResult{}, ErrTooManyConflicts
}

// isContainer reports whether v is a map or array other than a sentinel.
func isContainer(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		return !IsServerTimestamp(t)
	case []any:
		return true
	default:
		return false
	}
}

// QueryOrdered returns children of path ordered by key.
func (s *NATSStore) QueryOrdered(ctx context.Context, path string, limit int) ([]Child, error) {
	if err := s.check(path); err != nil {
		return nil, err
	}
	node, err := s.readTree(ctx, toKey(path))
	if err != nil {
		return nil, err
	}
	keys := childKeys(node)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	children := make([]Child, 0, len(keys))
	for _, k := range keys {
		children = append(children, Child{Key: k, Value: getAt(node, []string{k})})
	}
	return children, nil
}

// track registers a subscription so Close can end it.
func (s *NATSStore) track(sub *subscription) {
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
}

func (s *NATSStore) untrack(sub *subscription) {
	s.subMu.Lock()
	delete(s.subs, sub)
	s.subMu.Unlock()
}

// SubscribeValue delivers the value at path now and after every change.
// Changes that land close together may be coalesced into one snapshot.
func (s *NATSStore) SubscribeValue(path string, opts SubscribeOptions) (Subscription, error) {
	if err := s.check(path); err != nil {
		return nil, err
	}
	key := toKey(path)

	if opts.Once {
		v, err := s.readTree(context.Background(), key)
		if err != nil {
			return nil, err
		}
		sub := newSubscription(true, nil)
		sub.push(Event{Kind: EventValue, Path: path, Value: v})
		return sub, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Watch before the initial read so no change slips in between.
	self, err := s.kv.Watch(ctx, key, jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("kv watch: %w", err)
	}
	below, err := s.kv.Watch(ctx, key+".>", jetstream.UpdatesOnly())
	if err != nil {
		self.Stop()
		cancel()
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	var sub *subscription
	sub = newSubscription(false, func() {
		cancel()
		s.untrack(sub)
	})
	s.track(sub)

	last, err := s.readTree(ctx, key)
	if err != nil {
		self.Stop()
		below.Stop()
		sub.Unsubscribe()
		return nil, err
	}
	sub.push(Event{Kind: EventValue, Path: path, Value: cloneValue(last)})

	go func() {
		defer self.Stop()
		defer below.Stop()
		for {
			select {
			case <-self.Updates():
			case <-below.Updates():
			case <-ctx.Done():
				return
			}
			v, err := s.readTree(ctx, key)
			if err != nil {
				// Store closed or subscription cancelled.
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if equalValues(v, last) {
				continue
			}
			last = v
			sub.push(Event{Kind: EventValue, Path: path, Value: cloneValue(v)})
		}
	}()

	return sub, nil
}

// SubscribeChildAdded announces existing children in key order, then new
// ones. A child that disappears and comes back is announced again.
func (s *NATSStore) SubscribeChildAdded(path string) (Subscription, error) {
	if err := s.check(path); err != nil {
		return nil, err
	}
	key := toKey(path)
	prefix := key + "."

	ctx, cancel := context.WithCancel(context.Background())
	watcher, err := s.kv.Watch(ctx, key+".>")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	var sub *subscription
	sub = newSubscription(false, func() {
		cancel()
		s.untrack(sub)
	})
	s.track(sub)

	go func() {
		defer watcher.Stop()

		// child name -> live leaf keys
		present := make(map[string]map[string]bool)
		var initial []string
		synced := false

		announce := func(child string) {
			v, err := s.readTree(ctx, prefix+child)
			if err != nil || v == nil {
				return
			}
			sub.push(Event{Kind: EventChildAdded, Path: path, Key: child, Value: v})
		}

		for {
			var entry jetstream.KeyValueEntry
			select {
			case e, ok := <-watcher.Updates():
				if !ok {
					return
				}
				entry = e
			case <-ctx.Done():
				return
			}

			if entry == nil {
				synced = true
				sort.Strings(initial)
				for _, child := range initial {
					announce(child)
				}
				initial = nil
				continue
			}

			rest := strings.TrimPrefix(entry.Key(), prefix)
			child, _, _ := strings.Cut(rest, ".")

			if entry.Operation() != jetstream.KeyValuePut {
				if leaves := present[child]; leaves != nil {
					delete(leaves, entry.Key())
					if len(leaves) == 0 {
						delete(present, child)
					}
				}
				continue
			}

			leaves := present[child]
			if leaves == nil {
				leaves = make(map[string]bool)
				present[child] = leaves
				if synced {
					announce(child)
				} else {
					initial = append(initial, child)
				}
			}
			leaves[entry.Key()] = true
		}
	}()

	return sub, nil
}

// Close shuts down the store and ends all subscriptions.
// The NATS connection is owned by the caller and stays open.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.subMu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}
