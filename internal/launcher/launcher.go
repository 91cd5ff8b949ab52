package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const defaultGatewayPort = "9777"

type Options struct {
	GatewayURL string
	Binary     string
	Token      string
	Autostart  bool
	WaitFor    time.Duration
}

// Launcher owns the local agent-host process behind a loopback gateway
// URL. Acquire spawns it when nothing is listening yet and waits for the
// port; Release only drops the refcount so the host stays warm between
// tasks; Stop terminates the process at shutdown. Remote gateway URLs are
// never spawned, only resolved to an address.
type Launcher struct {
	opts Options

	mu   sync.Mutex
	cmd  *exec.Cmd
	addr string
	refs int
}

func New(opts Options) *Launcher {
	if strings.TrimSpace(opts.Binary) == "" {
		opts.Binary = "agenthost"
	}
	if opts.WaitFor <= 0 {
		opts.WaitFor = 10 * time.Second
	}
	return &Launcher{opts: opts}
}

func (l *Launcher) Acquire(ctx context.Context) (string, error) {
	addr, loopback, err := resolveGatewayAddr(l.opts.GatewayURL)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs++

	if !loopback || !l.opts.Autostart {
		return addr, nil
	}
	if l.cmd != nil && l.cmd.Process != nil {
		return addr, nil
	}
	if portListening(addr, 220*time.Millisecond) {
		return addr, nil
	}

	bin := l.opts.Binary
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("agent host binary %q not found: %w", bin, err)
	}

	_, port, _ := net.SplitHostPort(addr)
	cmd := exec.Command(bin, "serve", "--bind", "127.0.0.1", "--port", port)
	cmd.Env = os.Environ()
	if token := strings.TrimSpace(l.opts.Token); token != "" {
		cmd.Env = append(cmd.Env, "AGENTHOST_GATEWAY_TOKEN="+token)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start agent host: %w", err)
	}
	log.Printf("launcher: started %s (pid %d) for %s", bin, cmd.Process.Pid, addr)

	deadline := time.Now().Add(l.opts.WaitFor)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			_ = stopBestEffort(cmd)
			return "", err
		}
		if portListening(addr, 160*time.Millisecond) {
			l.cmd = cmd
			l.addr = addr
			return addr, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	_ = stopBestEffort(cmd)
	return "", fmt.Errorf("agent host did not listen on %s within %s", addr, l.opts.WaitFor)
}

func (l *Launcher) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs > 0 {
		l.refs--
	}
}

func (l *Launcher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cmd != nil && l.cmd.Process != nil
}

func (l *Launcher) Stop() error {
	l.mu.Lock()
	cmd := l.cmd
	l.cmd = nil
	l.refs = 0
	l.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return stopBestEffort(cmd)
}

func resolveGatewayAddr(rawURL string) (addr string, loopback bool, err error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return net.JoinHostPort("127.0.0.1", defaultGatewayPort), true, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false, fmt.Errorf("parse gateway url: %w", err)
	}
	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	if host == "" {
		host = "127.0.0.1"
	}
	port := strings.TrimSpace(u.Port())
	if port == "" {
		port = defaultGatewayPort
	}
	loopback = host == "127.0.0.1" || host == "localhost" || host == "::1"
	return net.JoinHostPort(host, port), loopback, nil
}

func portListening(addr string, timeout time.Duration) bool {
	if strings.TrimSpace(addr) == "" {
		return false
	}
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

func stopBestEffort(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(700 * time.Millisecond):
		_ = cmd.Process.Kill()
		err := <-done
		if err == nil || errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
}
