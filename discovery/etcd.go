package discovery

import (
	"context"
	"encoding/json"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// keyPrefix roots every announcement: /hostcall/{session}/{addr} → JSON Endpoint.
const keyPrefix = "/hostcall/"

// announcement is the lease behind one announced key and the keepalive feeding it.
type announcement struct {
	lease clientv3.LeaseID
	stop  context.CancelFunc
}

// EtcdDiscovery implements Discovery on etcd v3.
//
// Announcements carry a TTL lease: if hostcalld dies without withdrawing, the lease
// expires and producers stop seeing the dead endpoint.
type EtcdDiscovery struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]announcement // Key → lease
}

// NewEtcdDiscovery connects to the given etcd endpoints.
func NewEtcdDiscovery(endpoints []string, log *zap.Logger) (*EtcdDiscovery, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EtcdDiscovery{client: c, log: log, leases: make(map[string]announcement)}, nil
}

func sessionPrefix(session string) string {
	return keyPrefix + session + "/"
}

// Announce publishes ep under the session with a lease of ttl seconds and keeps the
// lease alive until Withdraw or Close. Announcing the same address again replaces the
// previous lease.
func (r *EtcdDiscovery) Announce(session string, ep Endpoint, ttl int64) error {
	ctx := context.Background()
	key := sessionPrefix(session) + ep.Addr

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		r.client.Revoke(ctx, lease.ID)
		return err
	}

	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		stop()
		r.client.Revoke(ctx, lease.ID)
		return err
	}

	// Drain keepalive responses so the channel never fills up; it closes when stop runs
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	prev, replaced := r.leases[key]
	r.leases[key] = announcement{lease: lease.ID, stop: stop}
	r.mu.Unlock()
	if replaced {
		prev.stop()
		r.client.Revoke(ctx, prev.lease)
	}

	r.log.Info("endpoint announced", zap.String("session", session), zap.String("addr", ep.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Withdraw removes an endpoint, stops its keepalive and revokes its lease. hostcalld
// calls it before closing its listener.
func (r *EtcdDiscovery) Withdraw(session string, addr string) error {
	key := sessionPrefix(session) + addr

	r.mu.Lock()
	a, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if !ok {
		// Announced by another process: only the key can go
		_, err := r.client.Delete(context.Background(), key)
		return err
	}
	a.stop()
	// Revoking deletes every key attached to the lease
	_, err := r.client.Revoke(context.Background(), a.lease)
	return err
}

// announced returns the number of leases this instance keeps alive.
func (r *EtcdDiscovery) announced() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

// Watch emits the session's endpoint list, then the full list after every change.
// Watching starts right after the revision of the first list so no change is missed.
func (r *EtcdDiscovery) Watch(ctx context.Context, session string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)

		eps, rev, err := r.discover(ctx, session)
		if err != nil {
			r.log.Warn("initial discover for watch failed", zap.String("session", session), zap.Error(err))
			return
		}
		if !offerLatest(ctx, ch, eps) {
			return
		}

		watchChan := r.client.Watch(ctx, sessionPrefix(session), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for wresp := range watchChan {
			if err := wresp.Err(); err != nil {
				r.log.Warn("watch failed", zap.String("session", session), zap.Error(err))
				return
			}
			// Re-fetch instead of applying individual events
			eps, _, err := r.discover(ctx, session)
			if err != nil {
				r.log.Warn("rediscover after watch event failed", zap.String("session", session), zap.Error(err))
				continue
			}
			if !offerLatest(ctx, ch, eps) {
				return
			}
		}
	}()

	return ch
}

// offerLatest replaces any list the reader has not consumed yet with eps. It reports
// false once ctx is done.
func offerLatest(ctx context.Context, ch chan []Endpoint, eps []Endpoint) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ch:
	default:
	}
	// The single writer just emptied the buffer, so this send cannot block
	ch <- eps
	return true
}

// Discover returns every endpoint currently announced for the session.
func (r *EtcdDiscovery) Discover(session string) ([]Endpoint, error) {
	eps, _, err := r.discover(context.Background(), session)
	return eps, err
}

func (r *EtcdDiscovery) discover(ctx context.Context, session string) ([]Endpoint, int64, error) {
	resp, err := r.client.Get(ctx, sessionPrefix(session), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.log.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		eps = append(eps, ep)
	}
	return eps, resp.Header.Revision, nil
}

// Close revokes every lease this instance still holds and releases the etcd client.
func (r *EtcdDiscovery) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]announcement)
	r.mu.Unlock()

	var err error
	for _, a := range leases {
		a.stop()
		_, revokeErr := r.client.Revoke(context.Background(), a.lease)
		err = multierr.Append(err, revokeErr)
	}
	return multierr.Append(err, r.client.Close())
}
