//go:build integration
// +build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var (
	binaryPath string
	moduleDir  string
)

func TestMain(m *testing.M) {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get working dir: %v\n", err)
		os.Exit(1)
	}
	moduleDir = wd

	tmpDir, err := os.MkdirTemp("", "musetap-integration-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "musetap-host")
	build := exec.Command("go", "build", "-o", binaryPath, "./cmd")
	build.Dir = moduleDir
	out, err := build.CombinedOutput()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build musetap-host: %v\n%s", err, out)
		_ = os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	os.Exit(code)
}

// syncBuffer lets the test read process output while the process writes it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type hostProcess struct {
	cmd    *exec.Cmd
	stdout syncBuffer
	stderr syncBuffer
	home   string
	port   int
	waited bool
}

var listeningRe = regexp.MustCompile(`listening on port (\d+)`)

func startHost(t *testing.T, extraArgs ...string) *hostProcess {
	t.Helper()

	// A private HOME keeps the store, config, and approval socket out
	// of the real user directory.
	home := t.TempDir()

	args := append([]string{
		"start",
		"--addr", "127.0.0.1:0",
		"--store", filepath.Join(home, "musetap.db"),
	}, extraArgs...)

	p := &hostProcess{home: home}
	p.cmd = exec.Command(binaryPath, args...)
	p.cmd.Env = append(os.Environ(), "HOME="+home)
	p.cmd.Stdout = &p.stdout
	p.cmd.Stderr = &p.stderr

	if err := p.cmd.Start(); err != nil {
		t.Fatalf("failed to start host: %v", err)
	}
	t.Cleanup(func() { p.kill(t) })

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if m := listeningRe.FindStringSubmatch(p.stdout.String()); m != nil {
			p.port, _ = strconv.Atoi(m[1])
			return p
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("host did not report a listening port\nstdout:\n%s\nstderr:\n%s",
		p.stdout.String(), p.stderr.String())
	return nil
}

func (p *hostProcess) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", p.port)
}

// pairingCode waits for the onboarding banner and extracts the code.
func (p *hostProcess) pairingCode(t *testing.T) string {
	t.Helper()
	codeRe := regexp.MustCompile(`Code:\s+([\d ]+)`)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if m := codeRe.FindStringSubmatch(p.stdout.String()); m != nil {
			return strings.ReplaceAll(m[1], " ", "")
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("pairing code never displayed\nstdout:\n%s", p.stdout.String())
	return ""
}

func (p *hostProcess) signal(t *testing.T, sig os.Signal) {
	t.Helper()
	if err := p.cmd.Process.Signal(sig); err != nil {
		t.Fatalf("failed to signal host: %v", err)
	}
}

func (p *hostProcess) wait(t *testing.T) int {
	t.Helper()
	if p.waited {
		return p.cmd.ProcessState.ExitCode()
	}
	p.waited = true
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case <-done:
		return p.cmd.ProcessState.ExitCode()
	case <-time.After(10 * time.Second):
		_ = p.cmd.Process.Kill()
		t.Fatalf("host did not exit\nstdout:\n%s\nstderr:\n%s",
			p.stdout.String(), p.stderr.String())
		return -1
	}
}

func (p *hostProcess) kill(t *testing.T) {
	if p.waited || p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Kill()
	p.waited = true
	_ = p.cmd.Wait()
}

func pairDevice(t *testing.T, p *hostProcess, deviceName string) (deviceID, token string) {
	t.Helper()
	code := p.pairingCode(t)
	body, _ := json.Marshal(map[string]string{
		"code":        code,
		"device_name": deviceName,
	})
	resp, err := http.Post(p.baseURL()+"/pair", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("pair request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pair status = %d", resp.StatusCode)
	}
	var pr struct {
		DeviceID string `json:"device_id"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		t.Fatalf("failed to decode pair response: %v", err)
	}
	if pr.DeviceID == "" || pr.Token == "" {
		t.Fatalf("pair response missing credentials: %+v", pr)
	}
	return pr.DeviceID, pr.Token
}

func dialSession(t *testing.T, p *hostProcess, token string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws?token=%s", p.port, token)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var hello struct {
		Type string `json:"type"`
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("failed to read hello: %v", err)
	}
	if hello.Type != "session.hello" {
		t.Fatalf("first message type = %q, want session.hello", hello.Type)
	}
	return conn
}

func TestHostServesHealth(t *testing.T) {
	p := startHost(t)

	resp, err := http.Get(p.baseURL() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestTokenGateBlocksUnpaired(t *testing.T) {
	p := startHost(t)

	resp, err := http.Get(p.baseURL() + "/api/sessions")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("ungated status = %d, want 401", resp.StatusCode)
	}
}

func TestPairThenConnect(t *testing.T) {
	p := startHost(t)
	_, token := pairDevice(t, p, "integration-phone")

	conn := dialSession(t, p, token)
	defer conn.Close()

	// The device token now passes the HTTP gate too.
	req, _ := http.NewRequest(http.MethodGet, p.baseURL()+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sessions request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions status = %d", resp.StatusCode)
	}
}

func TestPairRejectsWrongCode(t *testing.T) {
	p := startHost(t)
	p.pairingCode(t)

	body, _ := json.Marshal(map[string]string{"code": "000000"})
	resp, err := http.Post(p.baseURL()+"/pair", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("pair request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("pair status = %d, want 401", resp.StatusCode)
	}
	var er struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if er.Error != "access.invalid_or_expired_code" {
		t.Fatalf("error code = %q", er.Error)
	}
}

func TestPositionRelayBetweenSessions(t *testing.T) {
	p := startHost(t)
	_, token := pairDevice(t, p, "relay-test")

	sender := dialSession(t, p, token)
	receiver := dialSession(t, p, token)

	report := map[string]any{
		"type": "playback.position",
		"payload": map[string]any{
			"track_id":    "track-42",
			"position_ms": 15250,
			"playing":     true,
		},
	}
	if err := sender.WriteJSON(report); err != nil {
		t.Fatalf("failed to send position: %v", err)
	}

	receiver.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg struct {
			Type    string `json:"type"`
			Payload struct {
				TrackID string `json:"track_id"`
			} `json:"payload"`
		}
		if err := receiver.ReadJSON(&msg); err != nil {
			t.Fatalf("receiver read failed: %v", err)
		}
		if msg.Type != "playback.position" {
			// Skip session.status chatter from the second connect.
			continue
		}
		if msg.Payload.TrackID != "track-42" {
			t.Fatalf("relayed track = %q", msg.Payload.TrackID)
		}
		return
	}
}

func TestDevicesListShowsPaired(t *testing.T) {
	p := startHost(t)
	deviceID, _ := pairDevice(t, p, "cli-visible")

	storePath := filepath.Join(p.home, "musetap.db")
	out, err := exec.Command(binaryPath, "devices", "list", "--store", storePath).CombinedOutput()
	if err != nil {
		t.Fatalf("devices list failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "cli-visible") {
		t.Fatalf("devices list missing device %s:\n%s", deviceID, out)
	}
}

func TestGracefulShutdown(t *testing.T) {
	p := startHost(t)

	p.signal(t, syscall.SIGTERM)
	if code := p.wait(t); code != 0 {
		t.Fatalf("exit code = %d\nstdout:\n%s\nstderr:\n%s",
			code, p.stdout.String(), p.stderr.String())
	}
	if !strings.Contains(p.stdout.String(), "Shutting down") {
		t.Fatalf("missing shutdown message:\n%s", p.stdout.String())
	}
}
