package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// headServer pushes the given messages to every connection, then closes it.
func headServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// Hold the connection so the watcher blocks in ReadMessage until the
		// test cancels its context.
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWatcher_NotifiesOnRelevantBlocks(t *testing.T) {
	srv := headServer(t, []string{
		`{"block_num":100,"accounts":["alice"]}`,
		`{"block_num":101,"accounts":["carol"]}`,
		`not json`,
		`{"block_num":102,"accounts":["bob","dan"]}`,
		`{"block_num":103}`,
	})

	var notifies int64
	w := NewWatcher(wsURL(srv), KickFunc(func() { atomic.AddInt64(&notifies, 1) }), []string{"alice", "bob"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// alice, bob and the account-less announcement notify; carol and the
	// garbage line do not.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&notifies) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
	assert.Equal(t, int64(3), atomic.LoadInt64(&notifies))
}

func TestWatcher_ReconnectsAfterDrop(t *testing.T) {
	var conns int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&conns, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if n == 1 {
			// Drop the first connection immediately.
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"block_num":200}`))
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(srv.Close)

	var notifies int64
	w := NewWatcher(wsURL(srv), KickFunc(func() { atomic.AddInt64(&notifies, 1) }), nil)
	w.initialBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&notifies) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&conns), int64(2))
}

func TestWatcher_DialFailureBacksOff(t *testing.T) {
	var attempts int64
	w := NewWatcher("ws://127.0.0.1:1", KickFunc(func() {}), nil)
	w.initialBackoff = 5 * time.Millisecond
	w.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		atomic.AddInt64(&attempts, 1)
		return nil, context.DeadlineExceeded
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := w.Run(ctx)
	assert.Error(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&attempts), int64(2))
}
