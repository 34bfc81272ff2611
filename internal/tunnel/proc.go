package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	apperrors "github.com/musetap/host/internal/errors"
)

// DefaultProcStartupTimeout bounds how long the external binary gets to
// print its assigned URL before the start is abandoned.
const DefaultProcStartupTimeout = 30 * time.Second

var publicURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9][a-zA-Z0-9.-]*[a-zA-Z0-9](?:/[^\s]*)?`)

// ProcProvider runs an external tunneling binary (cloudflared, ngrok,
// or similar) and scrapes the assigned public URL from its output.
type ProcProvider struct {
	// Command is the binary and its arguments, space separated. The
	// local URL is appended as the final argument.
	Command string

	// StartupTimeout overrides DefaultProcStartupTimeout when positive.
	StartupTimeout time.Duration

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewProcProvider creates a provider around the given command line.
func NewProcProvider(command string) *ProcProvider {
	return &ProcProvider{Command: command}
}

func (p *ProcProvider) Name() string { return "proc" }

// Start launches the binary and waits for it to print a public URL.
func (p *ProcProvider) Start(ctx context.Context, localPort int, subdomain string) (*Handle, error) {
	args := strings.Fields(p.Command)
	if len(args) == 0 {
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonMissingDependency, "No tunnel command configured", nil)
	}

	binary, err := exec.LookPath(args[0])
	if err != nil {
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonMissingDependency,
			fmt.Sprintf("Tunnel binary %q not found in PATH", args[0]), err)
	}

	localURL := fmt.Sprintf("http://127.0.0.1:%d", localPort)
	cmd := exec.Command(binary, append(args[1:], localURL)...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.Internal("Failed to attach to tunnel process", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Internal("Failed to attach to tunnel process", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonMissingDependency, "Failed to launch tunnel binary", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	urlCh := make(chan string, 1)
	go scanForURL(stderr, urlCh)
	go scanForURL(stdout, urlCh)

	timeout := p.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultProcStartupTimeout
	}

	select {
	case u := <-urlCh:
		log.Printf("tunnel: %s assigned %s", args[0], u)
		return &Handle{Provider: p.Name(), URL: u}, nil
	case <-time.After(timeout):
		p.Stop()
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonTimeout,
			fmt.Sprintf("Tunnel binary %q did not report a URL within %s", args[0], timeout), nil)
	case <-ctx.Done():
		p.Stop()
		return nil, apperrors.TunnelStartFailed(apperrors.TunnelReasonTimeout, "Tunnel start cancelled", ctx.Err())
	}
}

// scanForURL reads process output line by line until it sees a public
// https URL. Loopback URLs echoed from the command line are skipped.
func scanForURL(r io.Reader, out chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		match := publicURLPattern.FindString(scanner.Text())
		if match == "" {
			continue
		}
		if strings.Contains(match, "127.0.0.1") || strings.Contains(match, "localhost") {
			continue
		}
		select {
		case out <- match:
		default:
		}
		break
	}
	// Keep draining so the child never blocks on a full pipe.
	io.Copy(io.Discard, r)
}

// Stop kills the tunnel process. Idempotent.
func (p *ProcProvider) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	p.cmd = nil
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return err
	}
	cmd.Wait()
	return nil
}
