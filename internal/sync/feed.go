package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	gosync "sync"
	"time"

	"github.com/dosekeeper/medsync"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// FeedOptions tunes the change feed connection.
type FeedOptions struct {
	PingInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func (o FeedOptions) withDefaults() FeedOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	return o
}

// Feed is a websocket change-feed subscriber. It has no terminal state:
// after a drop it reconnects with capped exponential backoff until closed.
type Feed struct {
	baseURL  string
	apiKey   string
	deviceID string
	opts     FeedOptions
	dialer   *websocket.Dialer
	log      *logrus.Entry

	mu        gosync.Mutex
	state     medsync.FeedState
	listeners []func(prev, next medsync.FeedState)
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool
}

var _ medsync.ChangeFeed = (*Feed)(nil)

// NewFeed creates a feed for serverURL. It starts in the connecting state.
func NewFeed(serverURL, apiKey, deviceID string, opts FeedOptions) *Feed {
	return &Feed{
		baseURL:  strings.TrimSuffix(serverURL, "/"),
		apiKey:   apiKey,
		deviceID: deviceID,
		opts:     opts.withDefaults(),
		dialer:   websocket.DefaultDialer,
		log:      medsync.DiscardLogger(),
		state:    medsync.FeedConnecting,
	}
}

// WithLogger sets the feed's logger.
func (f *Feed) WithLogger(logger *logrus.Entry) *Feed {
	f.log = logger.WithField("component", "feed")
	return f
}

// State returns the connection state.
func (f *Feed) State() medsync.FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// OnStateChange registers fn to be called on every state transition.
func (f *Feed) OnStateChange(fn func(prev, next medsync.FeedState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *Feed) setState(next medsync.FeedState) {
	f.mu.Lock()
	prev := f.state
	if prev == next {
		f.mu.Unlock()
		return
	}
	f.state = next
	listeners := append([]func(prev, next medsync.FeedState){}, f.listeners...)
	f.mu.Unlock()

	f.log.WithFields(logrus.Fields{"from": prev, "to": next}).Debug("feed state")
	for _, fn := range listeners {
		fn(prev, next)
	}
}

// Subscribe starts the connection loop in the background. handler runs on
// the read goroutine, so events are delivered in arrival order. The feed
// outlives ctx; call Close to stop it.
func (f *Feed) Subscribe(ctx context.Context, ownerID string, tables []medsync.Table, handler func(medsync.ChangeEvent)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("feed: closed")
	}
	if f.cancel != nil {
		return errors.New("feed: already subscribed")
	}

	target, err := f.feedURL(ownerID, tables)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(runCtx, target, handler)
	return nil
}

func (f *Feed) feedURL(ownerID string, tables []medsync.Table) (string, error) {
	u, err := url.Parse(f.baseURL + "/api/v1/feed")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = string(t)
	}
	q := u.Query()
	q.Set("owner_id", ownerID)
	q.Set("tables", strings.Join(names, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Feed) run(ctx context.Context, target string, handler func(medsync.ChangeEvent)) {
	defer close(f.done)

	reconnect := false
	for {
		conn, err := f.connect(ctx, target, reconnect)
		if err != nil {
			return
		}
		if !f.attach(conn) {
			return
		}
		f.setState(medsync.FeedConnected)

		err = f.readLoop(ctx, conn, handler)

		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		f.log.WithError(err).Warn("feed connection dropped")
		f.setState(medsync.FeedDisconnected)
		reconnect = true
	}
}

// attach publishes conn for Close. A feed closed while dialing drops the
// new connection instead.
func (f *Feed) attach(conn *websocket.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		_ = conn.Close()
		return false
	}
	f.conn = conn
	return true
}

func (f *Feed) connect(ctx context.Context, target string, reconnect bool) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.apiKey)
	if f.deviceID != "" {
		header.Set(HeaderDeviceID, f.deviceID)
	}

	backoff := retry.NewExponential(f.opts.BackoffBase)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithCappedDuration(f.opts.BackoffCap, backoff)

	var conn *websocket.Conn
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if reconnect || attempt > 0 {
			f.setState(medsync.FeedReconnecting)
		}
		attempt++

		c, resp, err := f.dialer.DialContext(ctx, target, header)
		if err != nil {
			entry := f.log.WithError(err).WithField("attempt", attempt)
			if resp != nil {
				entry = entry.WithField("status", resp.StatusCode)
			}
			entry.Debug("feed dial failed")
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn, handler func(medsync.ChangeEvent)) error {
	deadline := 2 * f.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go f.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))

		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// An unparseable frame may hide a change; let the handler escalate it.
			f.log.WithError(err).Warn("undecodable feed frame")
			handler(medsync.ChangeEvent{})
			continue
		}

		switch msg.Type {
		case "change":
			if msg.Event == nil {
				handler(medsync.ChangeEvent{})
				continue
			}
			handler(*msg.Event)
		case "ping":
		case "error":
			f.log.WithField("error", msg.Error).Warn("feed error from server")
		default:
			f.log.WithField("type", msg.Type).Debug("ignoring feed frame")
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			if err != nil {
				return
			}
		}
	}
}

// Close stops the feed and waits for the read loop to exit. It is safe to
// call more than once.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	cancel, done, conn := f.cancel, f.done, f.conn
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	f.setState(medsync.FeedDisconnected)
	return nil
}
