package agenthost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
)

type scriptClient struct {
	name      string
	createErr error

	mu      sync.Mutex
	created int
	prompts []string
	aborts  []string
	closed  bool
}

func (s *scriptClient) CreateSession(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.created++
	return fmt.Sprintf("%s-s%d", s.name, s.created), nil
}

func (s *scriptClient) Prompt(ctx context.Context, sessionID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, sessionID)
	return nil
}

func (s *scriptClient) Abort(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts = append(s.aborts, sessionID)
	return nil
}

func (s *scriptClient) ResolvePermission(ctx context.Context, sessionID, permissionID string, decision PermissionDecision) error {
	return nil
}

func (s *scriptClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestFallbackCreateSessionPrefersPrimary(t *testing.T) {
	primary := &scriptClient{name: "primary"}
	secondary := &scriptClient{name: "secondary"}
	fb := NewFallbackClient(primary, secondary)

	ctx := context.Background()
	sessionID, err := fb.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if sessionID != "primary-s1" {
		t.Fatalf("CreateSession() = %q, want %q", sessionID, "primary-s1")
	}

	if err := fb.Prompt(ctx, sessionID, "hi"); err != nil {
		t.Fatalf("Prompt() error: %v", err)
	}
	if len(primary.prompts) != 1 || len(secondary.prompts) != 0 {
		t.Fatalf("prompts = primary %v secondary %v, want primary only", primary.prompts, secondary.prompts)
	}
}

func TestFallbackCreateSessionFailsOver(t *testing.T) {
	primary := &scriptClient{
		name:      "primary",
		createErr: fmt.Errorf("gateway unreachable: %w", net.ErrClosed),
	}
	secondary := &scriptClient{name: "secondary"}
	fb := NewFallbackClient(primary, secondary)

	ctx := context.Background()
	sessionID, err := fb.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if sessionID != "secondary-s1" {
		t.Fatalf("CreateSession() = %q, want %q", sessionID, "secondary-s1")
	}

	if err := fb.Abort(ctx, sessionID); err != nil {
		t.Fatalf("Abort() error: %v", err)
	}
	if len(secondary.aborts) != 1 || len(primary.aborts) != 0 {
		t.Fatalf("aborts = primary %v secondary %v, want secondary only", primary.aborts, secondary.aborts)
	}
}

func TestFallbackNonRetryableDoesNotFailOver(t *testing.T) {
	primary := &scriptClient{name: "primary", createErr: errors.New("auth rejected")}
	secondary := &scriptClient{name: "secondary"}
	fb := NewFallbackClient(primary, secondary)

	if _, err := fb.CreateSession(context.Background()); err == nil {
		t.Fatal("CreateSession() succeeded, want auth error")
	}
	if secondary.created != 0 {
		t.Fatalf("secondary.created = %d, want 0", secondary.created)
	}
}

func TestFallbackUnpinnedSessionRoutesToPrimary(t *testing.T) {
	primary := &scriptClient{name: "primary"}
	secondary := &scriptClient{name: "secondary"}
	fb := NewFallbackClient(primary, secondary)

	if err := fb.Prompt(context.Background(), "never-seen", "hi"); err != nil {
		t.Fatalf("Prompt() error: %v", err)
	}
	if len(primary.prompts) != 1 {
		t.Fatalf("primary.prompts = %v, want one entry", primary.prompts)
	}
}

func TestFallbackCloseClosesBoth(t *testing.T) {
	primary := &scriptClient{name: "primary"}
	secondary := &scriptClient{name: "secondary"}
	fb := NewFallbackClient(primary, secondary)

	if err := fb.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !primary.closed || !secondary.closed {
		t.Fatalf("closed = primary %v secondary %v, want both true", primary.closed, secondary.closed)
	}
}
