package agenthost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/launcher"
	"github.com/agentdeck/agentdeck/internal/reliability"
)

const (
	gatewayConnectWriteTimeout = 3 * time.Second
	gatewayCallWriteTimeout    = 2 * time.Second
	gatewayCallTimeout         = 6 * time.Second
	gatewayEnsureTimeout       = 30 * time.Second
	gatewayPingInterval        = 25 * time.Second
)

// GatewayClient speaks the agent-host gateway protocol over one
// multiplexed websocket: requests are answered by id, session events are
// pushed to the sink as they happen. The connection is dialed lazily and
// redialed with backoff after transport failures.
type GatewayClient struct {
	wsURL  string
	token  string
	sink   Sink
	launch *launcher.Launcher
	dialer websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan gatewayFrame
	connects int
	closed   bool
	onRedial func()
}

func NewGatewayClient(wsURL, token string, sink Sink, launch *launcher.Launcher) (*GatewayClient, error) {
	wsURL, err := normalizeGatewayURL(wsURL)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("agent host gateway token is required")
	}
	c := &GatewayClient{
		wsURL:   wsURL,
		token:   token,
		sink:    sink,
		launch:  launch,
		pending: make(map[string]chan gatewayFrame),
	}
	c.dialer = websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 4 * time.Second,
	}
	return c, nil
}

// SetRedialHandler installs an observer invoked on every reconnect after
// the first successful connect.
func (c *GatewayClient) SetRedialHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRedial = fn
}

func (c *GatewayClient) CreateSession(ctx context.Context) (string, error) {
	payload, err := c.call(ctx, "session.create", nil, gatewayCallTimeout)
	if err != nil {
		return "", err
	}
	var res createSessionResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return "", fmt.Errorf("parse session.create response: %w", err)
	}
	sessionID := strings.TrimSpace(res.SessionID)
	if sessionID == "" {
		return "", errors.New("session.create returned no session id")
	}
	return sessionID, nil
}

func (c *GatewayClient) Prompt(ctx context.Context, sessionID, text string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	// One idempotency key per prompt, stable across transport retries.
	params := promptParams{
		SessionID:      sessionID,
		Message:        text,
		IdempotencyKey: uuid.NewString(),
	}
	_, err := c.call(ctx, "session.prompt", params, gatewayCallTimeout)
	return err
}

func (c *GatewayClient) Abort(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	_, err := c.call(ctx, "session.abort", abortParams{SessionID: sessionID}, gatewayCallTimeout)
	return err
}

func (c *GatewayClient) ResolvePermission(ctx context.Context, sessionID, permissionID string, decision PermissionDecision) error {
	sessionID = strings.TrimSpace(sessionID)
	permissionID = strings.TrimSpace(permissionID)
	if sessionID == "" || permissionID == "" {
		return errors.New("session id and permission id are required")
	}
	params := permissionParams{
		SessionID:    sessionID,
		PermissionID: permissionID,
		Decision:     string(decision),
	}
	_, err := c.call(ctx, "permission.resolve", params, gatewayCallTimeout)
	return err
}

// EnsureReady makes the host reachable and warmed: autostart the local
// process when configured, connect, and ask the host to bring its runtime
// up. The first call absorbs the cold start; later calls are cheap.
func (c *GatewayClient) EnsureReady(ctx context.Context) error {
	if c.launch != nil {
		if _, err := c.launch.Acquire(ctx); err != nil {
			return err
		}
	}
	_, err := c.call(ctx, "runtime.ensure", nil, gatewayEnsureTimeout)
	return err
}

func (c *GatewayClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}

func (c *GatewayClient) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 2*time.Second)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		payload, err := c.callOnce(ctx, method, params, timeout)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !reliability.IsRetryableTransportError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *GatewayClient) callOnce(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan gatewayFrame, 1)
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return nil, fmt.Errorf("agent host connection lost: %w", net.ErrClosed)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := gatewayRequest{Type: "req", ID: id, Method: method, Params: params}
	if err := writeGatewayJSON(conn, req, gatewayCallWriteTimeout); err != nil {
		return nil, fmt.Errorf("agent host %s write: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("agent host %s timeout after %s", method, timeout)
	case frame, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("agent host connection lost: %w", net.ErrClosed)
		}
		if !frame.OK {
			msg := "agent host " + method + " failed"
			if frame.Error != nil {
				if strings.TrimSpace(frame.Error.Message) != "" {
					msg = frame.Error.Message
				} else if strings.TrimSpace(frame.Error.Code) != "" {
					msg = frame.Error.Code
				}
			}
			return nil, errors.New(msg)
		}
		return frame.Payload, nil
	}
}

func (c *GatewayClient) ensureConnected(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("agent host client is closed")
	}
	if c.conn != nil {
		return c.conn, nil
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("agent host dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("agent host dial failed: %w", err)
	}

	ws := newGatewayWS(conn)
	if err := c.handshake(ctx, conn, ws); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.conn = conn
	if c.connects > 0 && c.onRedial != nil {
		c.onRedial()
	}
	c.connects++
	go c.dispatchLoop(conn, ws)
	go pingLoop(conn)
	return conn, nil
}

// pingLoop keeps the connection alive; it exits on the first failed
// write, which happens as soon as the connection is closed.
func pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(gatewayPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		deadline := time.Now().Add(gatewayCallWriteTimeout)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			return
		}
	}
}

func (c *GatewayClient) handshake(ctx context.Context, conn *websocket.Conn, ws *gatewayWS) error {
	nonce, err := ws.readChallenge(ctx)
	if err != nil {
		return err
	}
	connectID := uuid.NewString()
	req := gatewayRequest{
		Type:   "req",
		ID:     connectID,
		Method: "connect",
		Params: connectParams{
			MinProtocol: 1,
			MaxProtocol: 1,
			Client: connectClient{
				ID:       "agentdeckd",
				Version:  "dev",
				Platform: runtime.GOOS,
			},
			Auth:  connectAuth{Token: c.token},
			Nonce: nonce,
		},
	}
	if err := writeGatewayJSON(conn, req, gatewayConnectWriteTimeout); err != nil {
		return fmt.Errorf("agent host connect write: %w", err)
	}
	return ws.waitForResponseOK(ctx, connectID)
}

func (c *GatewayClient) dispatchLoop(conn *websocket.Conn, ws *gatewayWS) {
	for data := range ws.msgs {
		var frame gatewayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("agenthost: dropping malformed frame: %v", err)
			continue
		}
		switch frame.Type {
		case "res":
			c.mu.Lock()
			ch := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- frame
			}
		case "event":
			if frame.Event != "session" || c.sink == nil {
				continue
			}
			ev, err := decodeSessionEvent(frame.Payload)
			if err != nil {
				log.Printf("agenthost: dropping session event: %v", err)
				continue
			}
			c.sink.Deliver(ev)
		}
	}
	c.connLost(conn, ws.readErr())
}

func (c *GatewayClient) connLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan gatewayFrame)
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	if !closed {
		log.Printf("agenthost: gateway connection lost: %v", err)
	}
}

type gatewayWS struct {
	conn *websocket.Conn
	msgs chan []byte
	errs chan error
}

func newGatewayWS(conn *websocket.Conn) *gatewayWS {
	ws := &gatewayWS{
		conn: conn,
		msgs: make(chan []byte, 256),
		errs: make(chan error, 1),
	}
	go func() {
		defer close(ws.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				ws.errs <- err
				return
			}
			ws.msgs <- data
		}
	}()
	return ws
}

func (ws *gatewayWS) nextFrame(ctx context.Context) (gatewayFrame, error) {
	data, err := ws.nextMessage(ctx)
	if err != nil {
		return gatewayFrame{}, err
	}
	var frame gatewayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return gatewayFrame{}, fmt.Errorf("agent host frame parse: %w", err)
	}
	return frame, nil
}

func (ws *gatewayWS) nextMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-ws.msgs:
		if !ok {
			return nil, ws.readErr()
		}
		return data, nil
	}
}

func (ws *gatewayWS) readErr() error {
	select {
	case err := <-ws.errs:
		if err != nil {
			return err
		}
	default:
	}
	return fmt.Errorf("agent host connection closed: %w", net.ErrClosed)
}

func (ws *gatewayWS) readChallenge(ctx context.Context) (string, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if time.Now().After(deadline) {
			return "", errors.New("agent host connect challenge timeout")
		}
		frame, err := ws.nextFrame(ctx)
		if err != nil {
			return "", err
		}
		if frame.Type != "event" || frame.Event != "connect.challenge" {
			continue
		}
		var payload connectChallengePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			continue
		}
		nonce := strings.TrimSpace(payload.Nonce)
		if nonce == "" {
			continue
		}
		return nonce, nil
	}
}

func (ws *gatewayWS) waitForResponseOK(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("agent host response id missing")
	}
	deadline := time.Now().Add(6 * time.Second)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent host response timeout (id=%s)", id)
		}
		frame, err := ws.nextFrame(ctx)
		if err != nil {
			return err
		}
		if frame.Type != "res" || frame.ID != id {
			continue
		}
		if frame.OK {
			return nil
		}
		msg := "agent host connect rejected"
		if frame.Error != nil {
			if strings.TrimSpace(frame.Error.Message) != "" {
				msg = frame.Error.Message
			} else if strings.TrimSpace(frame.Error.Code) != "" {
				msg = frame.Error.Code
			}
		}
		return errors.New(msg)
	}
}

func writeGatewayJSON(conn *websocket.Conn, payload any, timeout time.Duration) error {
	if conn == nil {
		return errors.New("agent host connection is nil")
	}
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteJSON(payload)
}
