package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/retry"
	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/medlearn/simquota/internal/protocol"
	"github.com/medlearn/simquota/internal/ratelimit"
	"github.com/medlearn/simquota/internal/store"
)

// OpResync is delivered after every (re)connect, since changes made while
// the socket was down were not seen.
const OpResync = "resync"

const (
	writeWait = 10 * time.Second
	readWait  = 90 * time.Second
)

var errUnauthorized = xerrors.New("notification socket rejected credentials")

// Subscribe streams the user's changes until cancel is called, redialing
// with backoff whenever the socket drops. cancel blocks until the stream
// has stopped.
func (c *Client) Subscribe(userID string, listener store.Listener) (func(), error) {
	if userID == "" {
		return nil, xerrors.New("subscribe requires a user")
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger := c.logger.With(slog.F("user_id", userID))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer logger.Debug(ctx, "subscription loop exited")
		for retrier := retry.New(c.opts.RetryFloor, c.opts.RetryCeil); retrier.Wait(ctx); {
			err := c.stream(ctx, userID, listener, retrier.Reset)
			if ctx.Err() != nil {
				return
			}
			if xerrors.Is(err, errUnauthorized) {
				logger.Error(ctx, "not authorized to subscribe, giving up", slog.Error(err))
				return
			}
			logger.Warn(ctx, "notification socket dropped, reconnecting", slog.Error(err))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

func (c *Client) socketURL() string {
	u := *c.base
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

// stream runs one socket until it fails. connected is called once the
// server has accepted the auth message.
func (c *Client) stream(ctx context.Context, userID string, listener store.Listener, connected func()) error {
	header := http.Header{}
	if c.opts.APIKey != "" {
		header.Set(protocol.HeaderAPIKey, c.opts.APIKey)
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.socketURL(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return errUnauthorized
		}
		return xerrors.Errorf("dial: %w", err)
	}
	defer ws.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = ws.Close()
		case <-done:
		}
	}()

	ws.SetReadLimit(ratelimit.MaxMessageSize)
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	auth, err := protocol.Encode(protocol.TypeAuth, protocol.AuthPayload{UserID: userID, APIKey: c.opts.APIKey}, time.Now())
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, auth); err != nil {
		return xerrors.Errorf("write auth: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	env, err := readEnvelope(ws)
	if err != nil {
		return xerrors.Errorf("read auth reply: %w", err)
	}
	if env.Type != protocol.TypeAuthOk {
		var p protocol.ErrorPayload
		_ = env.ParsePayload(&p)
		return xerrors.Errorf("%w: %s", errUnauthorized, p.Message)
	}
	connected()
	c.logger.Debug(ctx, "notification socket connected", slog.F("user_id", userID))
	listener(ctx, store.Change{Op: OpResync, UserID: userID, At: time.Now().UTC()})

	for {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		env, err := readEnvelope(ws)
		if err != nil {
			return xerrors.Errorf("read: %w", err)
		}
		switch env.Type {
		case protocol.TypeNotification:
			var change protocol.NotificationPayload
			if err := env.ParsePayload(&change); err != nil {
				c.logger.Warn(ctx, "drop malformed notification", slog.F("user_id", userID), slog.Error(err))
				continue
			}
			listener(ctx, change)
		case protocol.TypeError:
			var p protocol.ErrorPayload
			_ = env.ParsePayload(&p)
			c.logger.Debug(ctx, "server reported socket error", slog.F("code", p.Code), slog.F("message", p.Message))
		}
	}
}

func readEnvelope(ws *websocket.Conn) (protocol.Envelope, error) {
	var env protocol.Envelope
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, xerrors.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
