package agenthost

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/agentdeck/agentdeck/internal/completion"
	"github.com/agentdeck/agentdeck/internal/events"
)

const defaultGatewayURL = "ws://127.0.0.1:9777"

type gatewayFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *gatewayError   `json:"error,omitempty"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type gatewayRequest struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type connectChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts,omitempty"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Auth        connectAuth   `json:"auth"`
	Nonce       string        `json:"nonce,omitempty"`
}

type createSessionResult struct {
	SessionID string `json:"sessionId"`
}

type promptParams struct {
	SessionID      string `json:"sessionId"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type abortParams struct {
	SessionID string `json:"sessionId"`
}

type permissionParams struct {
	SessionID    string `json:"sessionId"`
	PermissionID string `json:"permissionId"`
	Decision     string `json:"decision"`
}

type sessionEventPayload struct {
	SessionID string          `json:"sessionId"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
}

// decodeSessionEvent turns a pushed "session" frame payload into a typed
// router event. Unknown kinds are an error so the caller can count drops.
func decodeSessionEvent(payload json.RawMessage) (events.Event, error) {
	var envelope sessionEventPayload
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return events.Event{}, fmt.Errorf("parse session event: %w", err)
	}
	sessionID := strings.TrimSpace(envelope.SessionID)
	if sessionID == "" {
		return events.Event{}, errors.New("session event missing sessionId")
	}

	ev := events.Event{SessionID: sessionID, Kind: events.EventKind(envelope.Kind)}
	switch ev.Kind {
	case events.KindMessage:
		var msg events.Message
		if err := json.Unmarshal(envelope.Data, &msg); err != nil {
			return events.Event{}, fmt.Errorf("parse message event: %w", err)
		}
		ev.Message = &msg
	case events.KindProgress:
		var p events.Progress
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return events.Event{}, fmt.Errorf("parse progress event: %w", err)
		}
		ev.Progress = &p
	case events.KindPermission:
		var req events.PermissionRequest
		if err := json.Unmarshal(envelope.Data, &req); err != nil {
			return events.Event{}, fmt.Errorf("parse permission event: %w", err)
		}
		ev.Permission = &req
	case events.KindTodo:
		var todos []completion.TodoItem
		if err := json.Unmarshal(envelope.Data, &todos); err != nil {
			return events.Event{}, fmt.Errorf("parse todo event: %w", err)
		}
		ev.Todos = todos
	case events.KindDebug:
		var entry events.DebugEntry
		if err := json.Unmarshal(envelope.Data, &entry); err != nil {
			return events.Event{}, fmt.Errorf("parse debug event: %w", err)
		}
		ev.Debug = &entry
	case events.KindTurn:
		var sig events.TurnSignal
		if err := json.Unmarshal(envelope.Data, &sig); err != nil {
			return events.Event{}, fmt.Errorf("parse turn event: %w", err)
		}
		ev.Signal = &sig
	case events.KindComplete:
		var res events.Result
		if err := json.Unmarshal(envelope.Data, &res); err != nil {
			return events.Event{}, fmt.Errorf("parse complete event: %w", err)
		}
		ev.Result = &res
	case events.KindError:
		var taskErr events.TaskError
		if err := json.Unmarshal(envelope.Data, &taskErr); err != nil {
			return events.Event{}, fmt.Errorf("parse error event: %w", err)
		}
		ev.Err = &taskErr
	default:
		return events.Event{}, fmt.Errorf("unknown session event kind %q", envelope.Kind)
	}
	return ev, nil
}

func normalizeGatewayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = defaultGatewayURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse agent host gateway url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
