package agenthost

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/launcher"
)

type PermissionDecision string

const (
	DecisionAcceptOnce PermissionDecision = "accept_once"
	DecisionReject     PermissionDecision = "reject"
)

// Client is the session surface of the agent host. Prompt is
// fire-and-forget: the call returns once the host accepts the prompt and
// everything after that arrives as session events through the sink.
type Client interface {
	CreateSession(ctx context.Context) (string, error)
	Prompt(ctx context.Context, sessionID, text string) error
	Abort(ctx context.Context, sessionID string) error
	ResolvePermission(ctx context.Context, sessionID, permissionID string, decision PermissionDecision) error
	Close() error
}

// Readier warms whatever the host needs before the first prompt.
type Readier interface {
	EnsureReady(ctx context.Context) error
}

// Sink receives host-side session events; the event router implements it.
type Sink interface {
	Deliver(ev events.Event)
}

type Options struct {
	Mode        string
	GatewayURL  string
	Token       string
	FallbackURL string
	Launcher    *launcher.Launcher
	Sink        Sink
}

// NewClient selects a host client implementation by mode: "gateway" talks
// to a running gateway, "mock" synthesizes turns in-process, "auto" (the
// default) behaves like gateway plus an optional fallback endpoint.
func NewClient(opts Options) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	switch mode {
	case "", "auto", "gateway":
		primary, err := NewGatewayClient(opts.GatewayURL, opts.Token, opts.Sink, opts.Launcher)
		if err != nil {
			return nil, err
		}
		if mode != "gateway" && strings.TrimSpace(opts.FallbackURL) != "" {
			secondary, err := NewGatewayClient(opts.FallbackURL, opts.Token, opts.Sink, nil)
			if err != nil {
				return nil, fmt.Errorf("fallback gateway: %w", err)
			}
			return NewFallbackClient(primary, secondary), nil
		}
		return primary, nil
	case "mock":
		return NewMockClient(opts.Sink), nil
	default:
		return nil, fmt.Errorf("unsupported agent host mode %q (expected auto, gateway, or mock)", opts.Mode)
	}
}

var (
	_ Client  = (*GatewayClient)(nil)
	_ Client  = (*MockClient)(nil)
	_ Client  = (*FallbackClient)(nil)
	_ Readier = (*GatewayClient)(nil)
	_ Readier = (*MockClient)(nil)
	_ Readier = (*FallbackClient)(nil)
)
