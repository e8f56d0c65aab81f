package syncstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ErrFeedDisconnected is returned by WSFeed.Publish while the relay
// connection is down; the gateway logs it and the write stands.
var ErrFeedDisconnected = errors.New("change feed disconnected")

// WSFeed is a ChangeFeed over a websocket relay. The relay owns the change
// log: it assigns server timestamps, replays the backlog on subscribe, and
// handles retention, so Prune is a no-op here. The connection reconnects
// with exponential backoff and subscribers see a refreshed backlog after
// each reconnect.
type WSFeed struct {
	url    string
	log    *zap.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[int]*wsSub
	nextSub int
	started bool
	closed  bool
}

type wsSub struct {
	since time.Time
	fn    func([]Record)
}

func NewWSFeed(url string, log *zap.Logger) *WSFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSFeed{
		url:    url,
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		subs:   make(map[int]*wsSub),
	}
}

// Publish sends the record upstream; the relay assigns its server timestamp
// and echoes it back through the subscription.
func (f *WSFeed) Publish(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	raw, err := rec.MarshalWire()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return ErrFeedDisconnected
	}
	return f.conn.WriteMessage(websocket.TextMessage, raw)
}

func (f *WSFeed) Subscribe(ctx context.Context, since time.Time, fn func([]Record)) (func(), error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	key := f.nextSub
	f.nextSub++
	f.subs[key] = &wsSub{since: since, fn: fn}
	start := !f.started
	f.started = true
	f.mu.Unlock()

	if start {
		go f.run(ctx)
	}

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, key)
	}
	return cancel, nil
}

func (f *WSFeed) Prune(ctx context.Context, olderThan time.Time) error {
	return nil
}

func (f *WSFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	return nil
}

// run keeps one relay connection alive, reconnecting with exponential
// backoff, until ctx ends or the feed closes.
func (f *WSFeed) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.log.Warn("change feed dial failed", zap.String("url", f.url), zap.Error(err))
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-ctx.Done():
				return
			}
		}
		bo.Reset()

		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.conn = conn
		f.mu.Unlock()

		f.readLoop(conn)

		f.mu.Lock()
		f.conn = nil
		closed := f.closed
		f.mu.Unlock()
		conn.Close()
		if closed {
			return
		}
	}
}

func (f *WSFeed) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			f.log.Warn("change feed read failed, reconnecting", zap.Error(err))
			return
		}
		rec, err := UnmarshalWire(raw)
		if err != nil {
			f.log.Warn("skipping undecodable change record", zap.Error(err))
			continue
		}
		f.dispatch(rec)
	}
}

func (f *WSFeed) dispatch(rec Record) {
	f.mu.Lock()
	subs := make([]*wsSub, 0, len(f.subs))
	for _, sub := range f.subs {
		if !rec.CreatedAt.Before(sub.since) {
			subs = append(subs, sub)
		}
	}
	f.mu.Unlock()
	for _, sub := range subs {
		sub.fn([]Record{rec})
	}
}
