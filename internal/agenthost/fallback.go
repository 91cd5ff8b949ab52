package agenthost

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/agentdeck/agentdeck/internal/reliability"
)

// FallbackClient fronts a primary gateway with a secondary one and pins
// every session to the host that created it. Only session creation fails
// over; an established session never migrates because its state lives on
// one host.
type FallbackClient struct {
	primary   Client
	secondary Client

	mu     sync.Mutex
	owners map[string]Client
}

func NewFallbackClient(primary, secondary Client) *FallbackClient {
	return &FallbackClient{
		primary:   primary,
		secondary: secondary,
		owners:    make(map[string]Client),
	}
}

func (f *FallbackClient) CreateSession(ctx context.Context) (string, error) {
	sessionID, err := f.primary.CreateSession(ctx)
	if err == nil {
		f.pin(sessionID, f.primary)
		return sessionID, nil
	}
	if f.secondary == nil || !reliability.IsRetryableTransportError(err) {
		return "", err
	}
	log.Printf("agenthost: primary session create failed, trying fallback: %v", err)
	sessionID, ferr := f.secondary.CreateSession(ctx)
	if ferr != nil {
		return "", errors.Join(err, ferr)
	}
	f.pin(sessionID, f.secondary)
	return sessionID, nil
}

func (f *FallbackClient) Prompt(ctx context.Context, sessionID, text string) error {
	return f.ownerFor(sessionID).Prompt(ctx, sessionID, text)
}

func (f *FallbackClient) Abort(ctx context.Context, sessionID string) error {
	return f.ownerFor(sessionID).Abort(ctx, sessionID)
}

func (f *FallbackClient) ResolvePermission(ctx context.Context, sessionID, permissionID string, decision PermissionDecision) error {
	return f.ownerFor(sessionID).ResolvePermission(ctx, sessionID, permissionID, decision)
}

func (f *FallbackClient) EnsureReady(ctx context.Context) error {
	if r, ok := f.primary.(Readier); ok {
		if err := r.EnsureReady(ctx); err == nil {
			return nil
		} else if f.secondary == nil {
			return err
		} else {
			log.Printf("agenthost: primary not ready, trying fallback: %v", err)
		}
	}
	if r, ok := f.secondary.(Readier); ok {
		return r.EnsureReady(ctx)
	}
	return nil
}

func (f *FallbackClient) Close() error {
	err := f.primary.Close()
	if f.secondary != nil {
		err = errors.Join(err, f.secondary.Close())
	}
	return err
}

func (f *FallbackClient) pin(sessionID string, owner Client) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return
	}
	f.mu.Lock()
	f.owners[sessionID] = owner
	f.mu.Unlock()
}

func (f *FallbackClient) ownerFor(sessionID string) Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, ok := f.owners[strings.TrimSpace(sessionID)]; ok {
		return owner
	}
	return f.primary
}
