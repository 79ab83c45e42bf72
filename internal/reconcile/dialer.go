package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/roach88/tasksync/internal/api"
	"github.com/roach88/tasksync/internal/metrics"
)

// DialerSettings holds the push transport timeouts.
type DialerSettings struct {
	HandshakeTimeout time.Duration
	// MinReconnect is the first reconnect delay; it doubles up to ReconnectTimeout.
	MinReconnect     time.Duration
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

// DefaultDialerSettings returns the settings used when none are given.
func DefaultDialerSettings() DialerSettings {
	return DialerSettings{
		HandshakeTimeout: 2 * time.Second,
		MinReconnect:     250 * time.Millisecond,
		ReconnectTimeout: 5 * time.Second,
		PingTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
	}
}

// Dialer keeps a websocket connection to the push channel open and hands every
// decoded event to a deliver function.
type Dialer struct {
	url       string
	settings  DialerSettings
	tokens    oauth2.TokenSource
	onConnect func(context.Context)
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// WithSettings replaces DefaultDialerSettings.
func WithSettings(s DialerSettings) DialerOption {
	return func(d *Dialer) {
		d.settings = s
	}
}

// WithTokenSource authenticates the handshake with a bearer token.
func WithTokenSource(ts oauth2.TokenSource) DialerOption {
	return func(d *Dialer) {
		d.tokens = ts
	}
}

// WithOnConnect runs fn after every successful handshake, before any event is
// read. Events missed while disconnected are not replayed, so callers
// typically rehydrate here.
func WithOnConnect(fn func(context.Context)) DialerOption {
	return func(d *Dialer) {
		d.onConnect = fn
	}
}

// WithDialerMetrics counts reconnects and malformed frames.
func WithDialerMetrics(m *metrics.Metrics) DialerOption {
	return func(d *Dialer) {
		d.metrics = m
	}
}

// WithDialerLogger sets the logger. Defaults to slog.Default().
func WithDialerLogger(l *slog.Logger) DialerOption {
	return func(d *Dialer) {
		d.logger = l
	}
}

// NewDialer creates a dialer for a ws:// or wss:// URL.
func NewDialer(url string, opts ...DialerOption) *Dialer {
	d := &Dialer{
		url:      url,
		settings: DefaultDialerSettings(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run connects and reconnects until ctx ends, then returns nil. A handshake
// refused for credentials ends it early with an unauthorized *api.Error.
func (d *Dialer) Run(ctx context.Context, deliver func(Event)) error {
	delay := d.settings.MinReconnect
	first := true
	for {
		if !first {
			d.metrics.Reconnect()
		}
		first = false

		connected, err := d.session(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if api.IsUnauthorized(err) {
			return err
		}
		if connected {
			delay = d.settings.MinReconnect
		}
		d.logger.Info("push channel disconnected", "url", d.url, "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, d.settings.ReconnectTimeout)
	}
}

// session runs one connection. Reports whether the handshake succeeded.
func (d *Dialer) session(ctx context.Context, deliver func(Event)) (bool, error) {
	header := http.Header{}
	if d.tokens != nil {
		tok, err := d.tokens.Token()
		if err != nil {
			return false, &api.Error{Kind: api.KindUnauthorized, Message: "token source failed", Err: err}
		}
		header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.settings.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && api.KindForStatus(resp.StatusCode) == api.KindUnauthorized {
			return false, &api.Error{Kind: api.KindUnauthorized, Status: resp.StatusCode, Message: "push channel refused credentials", Err: err}
		}
		return false, &api.Error{Kind: api.KindNetwork, Message: err.Error(), Err: err}
	}
	defer ws.Close()
	d.logger.Info("push channel connected", "url", d.url)

	if d.onConnect != nil {
		d.onConnect(ctx)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	extend := func() {
		ws.SetReadDeadline(time.Now().Add(d.settings.ReadTimeout))
	}
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	go func() {
		defer cancel()
		for {
			select {
			case <-sessionCtx.Done():
				// Unblocks the reader.
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(d.settings.WriteTimeout))
				ws.Close()
				return
			case <-time.After(d.settings.PingTimeout):
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(d.settings.WriteTimeout)); err != nil {
					d.logger.Info("push ping failed", "error", err)
					ws.Close()
					return
				}
			}
		}
	}()

	for {
		extend()
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if sessionCtx.Err() != nil {
				return true, sessionCtx.Err()
			}
			return true, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			d.metrics.ChannelEvent("malformed", string(ResultInvalid))
			d.logger.Warn("push frame not decodable", "error", err)
			continue
		}
		deliver(ev)
	}
}
