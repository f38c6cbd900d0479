// Package stream watches a node's websocket head feed and nudges the sync
// pipeline when new blocks land, cutting the polling latency without making
// the stream load-bearing: if the socket is down, the ticker still syncs.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Notifier receives a wakeup per relevant head advance. The syncer's Kick
// channel satisfies this through KickFunc.
type Notifier interface {
	Notify()
}

// KickFunc adapts a func to Notifier.
type KickFunc func()

func (f KickFunc) Notify() { f() }

// headMessage is the block announcement pushed by the node. Accounts lists
// the accounts touched by the block when the node supports it; an empty list
// means unknown and always notifies.
type headMessage struct {
	BlockNum int64    `json:"block_num"`
	Accounts []string `json:"accounts,omitempty"`
}

// Watcher maintains one websocket subscription with reconnect backoff.
type Watcher struct {
	url      string
	notifier Notifier
	watched  map[string]bool

	// dial is swappable for tests.
	dial func(ctx context.Context, url string) (*websocket.Conn, error)

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewWatcher builds a watcher. watched filters announcements to the given
// accounts; nil or empty disables filtering.
func NewWatcher(url string, notifier Notifier, watched []string) *Watcher {
	w := &Watcher{
		url:            url,
		notifier:       notifier,
		watched:        make(map[string]bool, len(watched)),
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
	for _, a := range watched {
		w.watched[a] = true
	}
	return w
}

// Run connects and pumps announcements until ctx is done. Connection loss
// triggers reconnect with exponential backoff, reset after a healthy read.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := w.initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := w.dial(ctx, w.url)
		if err != nil {
			log.Warn().Err(err).Str("url", w.url).Dur("retry_in", backoff).
				Msg("Head stream dial failed")
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, w.maxBackoff)
			continue
		}

		log.Info().Str("url", w.url).Msg("Head stream connected")
		err = w.pump(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("Head stream dropped, reconnecting")
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, w.maxBackoff)
	}
}

func (w *Watcher) pump(ctx context.Context, conn *websocket.Conn) error {
	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg headMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Msg("Unparseable head announcement skipped")
			continue
		}
		if w.relevant(msg) {
			w.notifier.Notify()
		}
	}
}

func (w *Watcher) relevant(msg headMessage) bool {
	if len(w.watched) == 0 || len(msg.Accounts) == 0 {
		return true
	}
	for _, a := range msg.Accounts {
		if w.watched[a] {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
