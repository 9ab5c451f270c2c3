package lock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConsul serves the handful of KV and session endpoints the locker uses.
type fakeConsul struct {
	mu        sync.Mutex
	pair      *api.KVPair
	afterGet  func(f *fakeConsul)
	destroyed []string
	casSeen   []string
}

func (f *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Consul-Index", "10")
	w.Header().Set("X-Consul-LastContact", "0")
	w.Header().Set("X-Consul-KnownLeader", "true")

	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/kv/"):
		if f.pair == nil || f.pair.Key != strings.TrimPrefix(r.URL.Path, "/v1/kv/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode([]*api.KVPair{f.pair})
		if f.afterGet != nil {
			f.afterGet(f)
		}
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/v1/kv/"):
		cas := r.URL.Query().Get("cas")
		f.casSeen = append(f.casSeen, cas)
		if f.pair != nil && cas != strconv.FormatUint(f.pair.ModifyIndex, 10) {
			_, _ = w.Write([]byte("false"))
			return
		}
		f.pair = nil
		_, _ = w.Write([]byte("true"))
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/v1/session/destroy/"):
		f.destroyed = append(f.destroyed, strings.TrimPrefix(r.URL.Path, "/v1/session/destroy/"))
		_, _ = w.Write([]byte("true"))
	default:
		http.NotFound(w, r)
	}
}

func newFakeConsulLocker(t *testing.T, f *fakeConsul) *ConsulLocker {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	locker, err := NewConsulLocker(strings.TrimPrefix(srv.URL, "http://"), "pgwarden/locks/", "test")
	require.NoError(t, err)
	return locker
}

func heldPair(session string, index uint64) *api.KVPair {
	return &api.KVPair{Key: "pgwarden/locks/main", Value: []byte(`{}`), Session: session, ModifyIndex: index}
}

func TestConsulLocker_ReleaseDeletesAtReadIndex(t *testing.T) {
	f := &fakeConsul{pair: heldPair("s1", 5)}
	locker := newFakeConsulLocker(t, f)

	err := locker.Release(context.Background(), &Lock{Key: "main", Token: "t1", Session: "s1"})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Nil(t, f.pair)
	assert.Equal(t, []string{"5"}, f.casSeen)
	assert.Equal(t, []string{"s1"}, f.destroyed)
}

func TestConsulLocker_ReleaseKeepsLockTakenOverMeanwhile(t *testing.T) {
	f := &fakeConsul{pair: heldPair("s1", 5)}
	// The key is force released and acquired by another session right
	// after this holder reads it.
	f.afterGet = func(f *fakeConsul) {
		f.pair = heldPair("s2", 7)
		f.afterGet = nil
	}
	locker := newFakeConsulLocker(t, f)

	err := locker.Release(context.Background(), &Lock{Key: "main", Token: "t1", Session: "s1"})
	assert.ErrorIs(t, err, ErrNotHolder)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(t, f.pair, "new holder's key must survive")
	assert.Equal(t, "s2", f.pair.Session)
	assert.Equal(t, []string{"s1"}, f.destroyed)
}

func TestConsulLocker_ReleaseOtherSession(t *testing.T) {
	f := &fakeConsul{pair: heldPair("s2", 7)}
	locker := newFakeConsulLocker(t, f)

	err := locker.Release(context.Background(), &Lock{Key: "main", Token: "t1", Session: "s1"})
	assert.ErrorIs(t, err, ErrNotHolder)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.NotNil(t, f.pair)
	assert.Empty(t, f.casSeen)
}
