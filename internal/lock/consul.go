package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulLocker acquires a KV key bound to a Consul session. The session has
// no TTL, so it lives until released or until the agent that created it is
// declared failed, at which point Consul deletes the key.
type ConsulLocker struct {
	client *api.Client
	prefix string
	owner  string
	now    func() time.Time
}

// NewConsulLocker connects to the agent at address (empty means the
// CONSUL_HTTP_ADDR default).
func NewConsulLocker(address, prefix, owner string) (*ConsulLocker, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("lock: consul client: %w", err)
	}
	if prefix == "" {
		prefix = "pgwarden/locks/"
	}
	return &ConsulLocker{client: client, prefix: prefix, owner: owner, now: time.Now}, nil
}

// TryAcquire implements Locker.
func (c *ConsulLocker) TryAcquire(ctx context.Context, key string) (*Lock, error) {
	wo := (&api.WriteOptions{}).WithContext(ctx)

	session, _, err := c.client.Session().Create(&api.SessionEntry{
		Name:     "pgwarden-" + key,
		Behavior: api.SessionBehaviorDelete,
	}, wo)
	if err != nil {
		return nil, fmt.Errorf("lock: consul session: %w", err)
	}

	l := newLock(key, c.owner, c.now())
	l.Session = session
	data, err := json.Marshal(l)
	if err != nil {
		_, _ = c.client.Session().Destroy(session, wo)
		return nil, err
	}

	acquired, _, err := c.client.KV().Acquire(&api.KVPair{
		Key:     c.prefix + key,
		Value:   data,
		Session: session,
	}, wo)
	if err != nil || !acquired {
		_, _ = c.client.Session().Destroy(session, wo)
		if err != nil {
			return nil, fmt.Errorf("lock: consul acquire: %w", err)
		}
		return nil, ErrBusy
	}
	return l, nil
}

// Release implements Locker. The key is deleted with a check-and-set on
// the index it was read at, so a lock taken over in between survives.
func (c *ConsulLocker) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	wo := (&api.WriteOptions{}).WithContext(ctx)

	pair, _, err := c.client.KV().Get(c.prefix+l.Key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("lock: consul get: %w", err)
	}
	var released error
	switch {
	case pair == nil:
	case pair.Session != "" && pair.Session != l.Session:
		released = ErrNotHolder
	default:
		ok, _, err := c.client.KV().DeleteCAS(&api.KVPair{
			Key:         pair.Key,
			ModifyIndex: pair.ModifyIndex,
		}, wo)
		if err != nil {
			return fmt.Errorf("lock: consul delete: %w", err)
		}
		if !ok {
			released = ErrNotHolder
		}
	}
	if l.Session != "" {
		if _, err := c.client.Session().Destroy(l.Session, wo); err != nil {
			return fmt.Errorf("lock: consul destroy session: %w", err)
		}
	}
	return released
}

// Holder implements Locker.
func (c *ConsulLocker) Holder(ctx context.Context, key string) (*Lock, error) {
	pair, _, err := c.client.KV().Get(c.prefix+key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("lock: consul get: %w", err)
	}
	if pair == nil || pair.Session == "" {
		return nil, nil
	}

	var l Lock
	if err := json.Unmarshal(pair.Value, &l); err != nil {
		return nil, fmt.Errorf("lock: decode holder: %w", err)
	}
	return &l, nil
}

// ForceRelease implements Locker.
func (c *ConsulLocker) ForceRelease(ctx context.Context, key string) error {
	wo := (&api.WriteOptions{}).WithContext(ctx)

	pair, _, err := c.client.KV().Get(c.prefix+key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("lock: consul get: %w", err)
	}
	if pair == nil {
		return nil
	}
	if pair.Session != "" {
		_, _ = c.client.Session().Destroy(pair.Session, wo)
	}
	if _, err := c.client.KV().Delete(c.prefix+key, wo); err != nil {
		return fmt.Errorf("lock: consul delete: %w", err)
	}
	return nil
}
