// Package testutil provides shared test utilities for CLI testing across packages.
// This enables co-located CLI tests while maintaining consistent test infrastructure.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"listsync/backend/sqlite"
	"listsync/cmd/listsync/cmd"
	"listsync/internal/credentials"
	"listsync/internal/daemon"
	"listsync/internal/queue"
)

// TestOwnerID is the owner whose token the test config provides.
const TestOwnerID = 42

// testConfigTemplate isolates every path in the test's own directories.
// The processor interval is long so passes only run through process-now.
const testConfigTemplate = `# test config
queue:
  path: %s
processor:
  interval: 1h
daemon:
  socket_path: %s
  pid_path: %s
  log_path: %s
logging:
  level: error
credentials:
  tokens:
    %d: test-token
`

// CLITest provides a test helper for running CLI commands in isolation.
type CLITest struct {
	t          *testing.T
	cfg        *cmd.Config
	configPath string
	queuePath  string
	socketPath string
	pidPath    string
}

// NewCLITest creates a new CLI test helper with an isolated config, queue database and socket.
func NewCLITest(t *testing.T) *CLITest {
	t.Helper()

	tmpDir := t.TempDir()
	// Unix socket paths are length-limited, so the socket lives in a short directory.
	sockDir, err := os.MkdirTemp("", "lsync")
	if err != nil {
		t.Fatalf("failed to create socket directory: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })

	c := &CLITest{
		t:          t,
		configPath: filepath.Join(tmpDir, "config.yaml"),
		queuePath:  filepath.Join(tmpDir, "queue.db"),
		socketPath: filepath.Join(sockDir, "d.sock"),
		pidPath:    filepath.Join(tmpDir, "daemon.pid"),
	}
	c.SetFullConfig(fmt.Sprintf(testConfigTemplate,
		c.queuePath, c.socketPath, c.pidPath, filepath.Join(tmpDir, "daemon.log"), TestOwnerID))

	c.cfg = &cmd.Config{
		NoPrompt:   true,
		ConfigPath: c.configPath,
		Keyring:    credentials.NewMockKeyring(),
	}
	return c
}

// Config returns the CLI configuration used by Execute.
func (c *CLITest) Config() *cmd.Config {
	return c.cfg
}

// ConfigPath returns the path to the config file.
func (c *CLITest) ConfigPath() string {
	return c.configPath
}

// PIDFilePath returns the daemon PID file path from the test config.
func (c *CLITest) PIDFilePath() string {
	return c.pidPath
}

// SetFullConfig replaces the entire config file with the given YAML content.
func (c *CLITest) SetFullConfig(yamlContent string) {
	c.t.Helper()

	if err := os.WriteFile(c.configPath, []byte(yamlContent), 0644); err != nil {
		c.t.Fatalf("failed to write config file: %v", err)
	}
}

// AppendConfig appends YAML to the config file.
func (c *CLITest) AppendConfig(yamlContent string) {
	c.t.Helper()

	data, err := os.ReadFile(c.configPath)
	if err != nil {
		c.t.Fatalf("failed to read config file: %v", err)
	}
	c.SetFullConfig(string(data) + yamlContent)
}

// SeedQueue opens the test queue database, runs fn against it and closes it.
// It must be called while no daemon is running.
func (c *CLITest) SeedQueue(fn func(ctx context.Context, q *queue.Queue)) {
	c.t.Helper()

	store, err := sqlite.New(c.queuePath)
	if err != nil {
		c.t.Fatalf("failed to open queue database: %v", err)
	}
	defer func() { _ = store.Close() }()

	fn(context.Background(), queue.New(store, queue.Config{}))
}

// Execute runs a CLI command with the given arguments and returns stdout, stderr, and exit code.
func (c *CLITest) Execute(args ...string) (stdout, stderr string, exitCode int) {
	c.t.Helper()

	var stdoutBuf, stderrBuf bytes.Buffer
	exitCode = cmd.Execute(args, &stdoutBuf, &stderrBuf, c.cfg)
	return stdoutBuf.String(), stderrBuf.String(), exitCode
}

// ExecuteWithInput runs a CLI command reading prompts from input.
func (c *CLITest) ExecuteWithInput(input string, args ...string) (stdout, stderr string, exitCode int) {
	c.t.Helper()

	prev := c.cfg.Stdin
	c.cfg.Stdin = strings.NewReader(input)
	defer func() { c.cfg.Stdin = prev }()
	return c.Execute(args...)
}

// MustExecute runs a CLI command and fails the test if exit code is non-zero.
func (c *CLITest) MustExecute(args ...string) string {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode != 0 {
		c.t.Fatalf("expected exit code 0, got %d: stdout=%s stderr=%s", exitCode, stdout, stderr)
	}
	return stdout
}

// ExecuteAndFail runs a CLI command and fails the test if exit code is zero.
func (c *CLITest) ExecuteAndFail(args ...string) (stdout, stderr string) {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode == 0 {
		c.t.Fatalf("expected non-zero exit code, got 0: stdout=%s", stdout)
	}
	return stdout, stderr
}

// AssertContains fails the test if output doesn't contain expected string.
func AssertContains(t *testing.T, output, expected string) {
	t.Helper()
	if !strings.Contains(output, expected) {
		t.Errorf("expected output to contain %q, got:\n%s", expected, output)
	}
}

// AssertNotContains fails the test if output contains unexpected string.
func AssertNotContains(t *testing.T, output, unexpected string) {
	t.Helper()
	if strings.Contains(output, unexpected) {
		t.Errorf("expected output NOT to contain %q, got:\n%s", unexpected, output)
	}
}

// AssertExitCode fails the test if exit code doesn't match expected.
func AssertExitCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("expected exit code %d, got %d", want, got)
	}
}

// AssertResultCode verifies that the output ends with the expected result code.
func AssertResultCode(t *testing.T, output, expectedCode string) {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		t.Errorf("expected result code %q but output is empty", expectedCode)
		return
	}
	lastLine := strings.TrimSpace(lines[len(lines)-1])
	if lastLine != expectedCode {
		t.Errorf("expected result code %q, got %q\nFull output:\n%s", expectedCode, lastLine, output)
	}
}

// Result code constants for convenience.
const (
	ResultActionCompleted = cmd.ResultActionCompleted
	ResultInfoOnly        = cmd.ResultInfoOnly
	ResultError           = cmd.ResultError
)

// =============================================================================
// In-process daemon
// =============================================================================

// DaemonCLITest extends CLITest with an in-process `listsync serve`.
type DaemonCLITest struct {
	*CLITest
	Remote *FakeRemote

	mu       sync.Mutex
	serveOut bytes.Buffer
	serveErr bytes.Buffer
	done     chan int
}

// NewCLITestWithDaemon creates a CLI test helper whose daemon talks to a FakeRemote.
func NewCLITestWithDaemon(t *testing.T) *DaemonCLITest {
	t.Helper()

	c := NewCLITest(t)
	remote := NewFakeRemote()
	c.cfg.Remote = remote
	return &DaemonCLITest{CLITest: c, Remote: remote}
}

// StartDaemon runs `listsync serve` in the background and waits for its socket.
// The daemon is stopped when the test ends.
func (d *DaemonCLITest) StartDaemon() {
	d.t.Helper()

	d.done = make(chan int, 1)
	go func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.done <- cmd.Execute([]string{"serve"}, &d.serveOut, &d.serveErr, d.cfg)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !daemon.IsRunning(d.pidPath, d.socketPath) {
		select {
		case code := <-d.done:
			d.done <- code
			d.t.Fatalf("daemon exited early with code %d: %s", code, d.ServeOutput())
		default:
		}
		if time.Now().After(deadline) {
			d.t.Fatal("daemon did not start in time")
		}
		time.Sleep(20 * time.Millisecond)
	}

	d.t.Cleanup(func() {
		if daemon.IsRunning(d.pidPath, d.socketPath) {
			d.StopDaemon()
		}
	})
}

// StopDaemon asks the daemon to stop and returns the exit code of `listsync serve`.
func (d *DaemonCLITest) StopDaemon() int {
	d.t.Helper()

	d.MustExecute("stop")
	select {
	case code := <-d.done:
		return code
	case <-time.After(10 * time.Second):
		d.t.Fatal("daemon did not stop in time")
		return -1
	}
}

// ServeOutput returns what `listsync serve` printed. Call it after the daemon has stopped.
func (d *DaemonCLITest) ServeOutput() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serveOut.String() + d.serveErr.String()
}
