// Package daemon hosts the operator surface for a running listsync process.
// The serving process writes a PID file and answers JSON requests on a unix
// socket, so CLI commands can inspect and steer the queue without opening the
// database themselves.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"listsync/backend"
	"listsync/internal/admin"
	"listsync/internal/cache"
	"listsync/internal/operation"
	"listsync/internal/orchestrator"
	"listsync/internal/processor"
	"listsync/internal/queue"
)

// Message types understood by the daemon.
const (
	MsgStatus     = "status"
	MsgProcessNow = "process_now"
	MsgRetry      = "retry"
	MsgCancel     = "cancel"
	MsgEnable     = "enable"
	MsgDisable    = "disable"
	MsgClearCache = "clear_cache"
	MsgQueueStats = "queue_stats"
	MsgCacheStats = "cache_stats"
	MsgList       = "list"
	MsgGet        = "get"
	MsgPending    = "pending"
	MsgMutate     = "mutate"
	MsgRead       = "read"
	MsgStop       = "stop"
)

// Read kinds carried in Message.Read.
const (
	ReadCollection       = "collection"
	ReadItems            = "items"
	ReadOwnerCollections = "owner_collections"
)

// Error codes carried in Response.Code.
const (
	CodeNotFound     = "not_found"
	CodeInvalidState = "invalid_state"
	CodeBadRequest   = "bad_request"
	CodeInvalid      = "invalid_payload"
	CodeRemote       = "remote"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readDeadline          = 5 * time.Second
)

// Service is the operator surface the daemon exposes. *admin.Service implements it.
type Service interface {
	Status(ctx context.Context) (*admin.Status, error)
	QueueStats(ctx context.Context) (map[operation.Status]int, error)
	CacheStats() cache.Stats
	RetryOperation(ctx context.Context, id string) (*operation.Record, error)
	CancelOperation(ctx context.Context, id string) (*operation.Record, error)
	SetProcessorEnabled(enabled bool)
	ProcessNow(ctx context.Context) (processor.Summary, error)
	ClearCache()
	PendingForOwner(ctx context.Context, ownerID int64) ([]*operation.Record, error)
	Operation(ctx context.Context, id string) (*operation.Record, error)
	ListOperations(ctx context.Context, statuses []operation.Status, limit int) ([]*operation.Record, error)
	Mutate(ctx context.Context, ownerID int64, targetID *int64, p operation.Payload) (*orchestrator.Result, error)
	Collection(ctx context.Context, ownerID, targetID int64) (*orchestrator.Read[backend.Collection], error)
	Items(ctx context.Context, ownerID, targetID int64) (*orchestrator.Read[[]backend.Item], error)
	OwnerCollections(ctx context.Context, ownerID int64) (*orchestrator.Read[[]backend.Collection], error)
}

var _ Service = (*admin.Service)(nil)

// Config holds daemon configuration.
type Config struct {
	PIDPath        string        // Path to PID file
	SocketPath     string        // Path to Unix socket
	RequestTimeout time.Duration // Bound on a single request such as process_now
	Logger         *zap.Logger
}

// Message represents an IPC request from the CLI.
type Message struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	OwnerID  int64    `json:"owner_id,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
	Limit    int      `json:"limit,omitempty"`

	// Collection requests
	TargetID  int64           `json:"target_id,omitempty"`
	Operation operation.Type  `json:"operation,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Read      string          `json:"read,omitempty"`
}

// Response represents a daemon response to the CLI.
type Response struct {
	Status     string                   `json:"status"` // "ok", "error"
	Message    string                   `json:"message,omitempty"`
	Code       string                   `json:"code,omitempty"`
	Running    bool                     `json:"running"`
	Enabled    *bool                    `json:"enabled,omitempty"`
	Snapshot   *admin.Status            `json:"snapshot,omitempty"`
	Summary    *processor.Summary       `json:"summary,omitempty"`
	Queue      map[operation.Status]int `json:"queue,omitempty"`
	Cache      *cache.Stats             `json:"cache,omitempty"`
	Operation  *operation.Record        `json:"operation,omitempty"`
	Operations []*operation.Record      `json:"operations,omitempty"`

	// Collection responses
	Outcome     orchestrator.Outcome `json:"outcome,omitempty"`
	Cause       backend.ErrorKind    `json:"cause,omitempty"`
	ErrorKind   backend.ErrorKind    `json:"error_kind,omitempty"`
	Collection  *backend.Collection  `json:"collection,omitempty"`
	Collections []backend.Collection `json:"collections,omitempty"`
	Items       []backend.Item       `json:"items,omitempty"`
	FromCache   bool                 `json:"from_cache,omitempty"`
	Stale       bool                 `json:"stale,omitempty"`
}

// Daemon serves a Service over a unix socket.
type Daemon struct {
	cfg    Config
	svc    Service
	logger *zap.Logger

	listener net.Listener
	ready    chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	conns    sync.WaitGroup
}

// New creates a new Daemon instance.
func New(cfg Config, svc Service) *Daemon {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		cfg:      cfg,
		svc:      svc,
		logger:   logger,
		ready:    make(chan struct{}),
		stopChan: make(chan struct{}),
	}
}

// Ready is closed once the socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Done is closed when Stop is called, either directly or via a stop request.
func (d *Daemon) Done() <-chan struct{} {
	return d.stopChan
}

// Run writes the PID file, listens on the socket and serves requests until
// ctx is done or Stop is called. The PID file and socket are removed on return.
func (d *Daemon) Run(ctx context.Context) error {
	if IsRunning(d.cfg.PIDPath, d.cfg.SocketPath) {
		return fmt.Errorf("daemon already running (socket %s)", d.cfg.SocketPath)
	}

	if err := os.MkdirAll(filepath.Dir(d.cfg.PIDPath), 0700); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	if err := os.WriteFile(d.cfg.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0700); err != nil {
		_ = os.Remove(d.cfg.PIDPath)
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	// Remove a stale socket left by a crashed process
	_ = os.Remove(d.cfg.SocketPath)

	listener, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		_ = os.Remove(d.cfg.PIDPath)
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}
	d.listener = listener

	d.logger.Info("daemon started",
		zap.Int("pid", os.Getpid()),
		zap.String("socket", d.cfg.SocketPath),
	)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		d.handleConnections(serveCtx)
	}()
	close(d.ready)

	select {
	case <-ctx.Done():
		d.logger.Info("daemon context done")
	case <-d.stopChan:
		d.logger.Info("stop requested via IPC")
	}

	d.cleanup(cancel, acceptDone)
	return nil
}

// Stop signals Run to return. It is safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
}

func (d *Daemon) cleanup(cancel context.CancelFunc, acceptDone <-chan struct{}) {
	d.Stop()
	_ = d.listener.Close()
	<-acceptDone
	cancel()
	d.conns.Wait()

	_ = os.Remove(d.cfg.PIDPath)
	_ = os.Remove(d.cfg.SocketPath)
	d.logger.Info("daemon stopped")
}

func (d *Daemon) handleConnections(ctx context.Context) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.stopChan:
				return
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("accept error", zap.Error(err))
			continue
		}
		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			d.handleConnection(ctx, conn)
		}()
	}
}

func (d *Daemon) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

	var msg Message
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		d.logger.Debug("malformed IPC request", zap.Error(err))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	resp := d.dispatch(reqCtx, msg)
	_ = conn.SetWriteDeadline(time.Now().Add(readDeadline))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		d.logger.Debug("failed to write IPC response", zap.Error(err))
	}

	if msg.Type == MsgStop {
		d.Stop()
	}
}

func (d *Daemon) dispatch(ctx context.Context, msg Message) Response {
	d.logger.Debug("IPC request", zap.String("type", msg.Type), zap.String("id", msg.ID))

	ok := Response{Status: "ok", Running: true}
	switch msg.Type {
	case MsgStatus:
		st, err := d.svc.Status(ctx)
		if err != nil {
			return errorResponse(err)
		}
		ok.Snapshot = st
		return ok

	case MsgProcessNow:
		summary, err := d.svc.ProcessNow(ctx)
		if err != nil {
			return errorResponse(err)
		}
		ok.Summary = &summary
		return ok

	case MsgRetry, MsgCancel, MsgGet:
		if msg.ID == "" {
			return Response{Status: "error", Code: CodeBadRequest, Message: "operation id is required", Running: true}
		}
		var (
			rec *operation.Record
			err error
		)
		switch msg.Type {
		case MsgRetry:
			rec, err = d.svc.RetryOperation(ctx, msg.ID)
		case MsgCancel:
			rec, err = d.svc.CancelOperation(ctx, msg.ID)
		default:
			rec, err = d.svc.Operation(ctx, msg.ID)
		}
		if err != nil {
			return errorResponse(err)
		}
		ok.Operation = rec
		return ok

	case MsgEnable, MsgDisable:
		enabled := msg.Type == MsgEnable
		d.svc.SetProcessorEnabled(enabled)
		ok.Enabled = &enabled
		return ok

	case MsgClearCache:
		d.svc.ClearCache()
		return ok

	case MsgQueueStats:
		stats, err := d.svc.QueueStats(ctx)
		if err != nil {
			return errorResponse(err)
		}
		ok.Queue = stats
		return ok

	case MsgCacheStats:
		stats := d.svc.CacheStats()
		ok.Cache = &stats
		return ok

	case MsgList:
		statuses := make([]operation.Status, 0, len(msg.Statuses))
		for _, s := range msg.Statuses {
			statuses = append(statuses, operation.Status(s))
		}
		recs, err := d.svc.ListOperations(ctx, statuses, msg.Limit)
		if err != nil {
			return errorResponse(err)
		}
		ok.Operations = recs
		return ok

	case MsgPending:
		if msg.OwnerID <= 0 {
			return Response{Status: "error", Code: CodeBadRequest, Message: "owner id is required", Running: true}
		}
		recs, err := d.svc.PendingForOwner(ctx, msg.OwnerID)
		if err != nil {
			return errorResponse(err)
		}
		ok.Operations = recs
		return ok

	case MsgMutate:
		return d.mutate(ctx, msg)

	case MsgRead:
		return d.read(ctx, msg)

	case MsgStop:
		return Response{Status: "ok", Running: false}

	default:
		return Response{Status: "error", Code: CodeBadRequest, Message: "unknown message type", Running: true}
	}
}

func (d *Daemon) mutate(ctx context.Context, msg Message) Response {
	if msg.OwnerID <= 0 {
		return Response{Status: "error", Code: CodeBadRequest, Message: "owner id is required", Running: true}
	}
	if !msg.Operation.Valid() {
		return Response{Status: "error", Code: CodeBadRequest, Message: fmt.Sprintf("unknown operation %q", msg.Operation), Running: true}
	}
	p, err := operation.DecodePayload(msg.Operation, msg.Payload)
	if err != nil {
		return Response{Status: "error", Code: CodeInvalid, Message: err.Error(), Running: true}
	}
	var target *int64
	if msg.Operation != operation.CreateCollectionType {
		target = &msg.TargetID
	}

	res, err := d.svc.Mutate(ctx, msg.OwnerID, target, p)
	if err != nil {
		return errorResponse(err)
	}
	return Response{
		Status:     "ok",
		Running:    true,
		Outcome:    res.Outcome,
		Cause:      backend.KindOf(res.Cause),
		Operation:  res.Operation,
		Collection: res.Collection,
	}
}

func (d *Daemon) read(ctx context.Context, msg Message) Response {
	if msg.OwnerID <= 0 {
		return Response{Status: "error", Code: CodeBadRequest, Message: "owner id is required", Running: true}
	}
	if msg.Read != ReadOwnerCollections && msg.TargetID <= 0 {
		return Response{Status: "error", Code: CodeBadRequest, Message: "collection id is required", Running: true}
	}

	ok := Response{Status: "ok", Running: true}
	switch msg.Read {
	case ReadCollection:
		read, err := d.svc.Collection(ctx, msg.OwnerID, msg.TargetID)
		if err != nil {
			return errorResponse(err)
		}
		ok.Collection, ok.FromCache, ok.Stale = &read.Value, read.FromCache, read.Stale
	case ReadItems:
		read, err := d.svc.Items(ctx, msg.OwnerID, msg.TargetID)
		if err != nil {
			return errorResponse(err)
		}
		ok.Items, ok.FromCache, ok.Stale = read.Value, read.FromCache, read.Stale
	case ReadOwnerCollections:
		read, err := d.svc.OwnerCollections(ctx, msg.OwnerID)
		if err != nil {
			return errorResponse(err)
		}
		ok.Collections, ok.FromCache, ok.Stale = read.Value, read.FromCache, read.Stale
	default:
		return Response{Status: "error", Code: CodeBadRequest, Message: fmt.Sprintf("unknown read %q", msg.Read), Running: true}
	}
	return ok
}

func errorResponse(err error) Response {
	resp := Response{Status: "error", Code: CodeInternal, Message: err.Error(), Running: true}

	var remoteErr *backend.RemoteError
	switch {
	case errors.Is(err, queue.ErrNotFound):
		resp.Code = CodeNotFound
	case errors.Is(err, queue.ErrInvalidState), errors.Is(err, queue.ErrConflict):
		resp.Code = CodeInvalidState
	case errors.Is(err, operation.ErrInvalidPayload):
		resp.Code = CodeInvalid
	case errors.Is(err, admin.ErrCollectionsUnavailable):
		resp.Code = CodeUnavailable
	case errors.As(err, &remoteErr):
		resp.Code = CodeRemote
		resp.ErrorKind = remoteErr.Kind
		if remoteErr.Err != nil {
			resp.Message = remoteErr.Err.Error()
		}
	}
	return resp
}

// IsRunning checks if a daemon is running by checking the PID file and socket.
func IsRunning(pidPath, socketPath string) bool {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	// to check if process exists
	if err := process.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(pidPath)
		_ = os.Remove(socketPath)
		return false
	}

	conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond)
	if err != nil {
		// Socket not available, process might be hung
		return false
	}
	_ = conn.Close()

	return true
}

// ForkConfig describes a detached `listsync serve` process.
type ForkConfig struct {
	Executable string   // Optional: explicit path to executable (for testing)
	Args       []string // Arguments passed to the executable
	LogPath    string   // Stdout and stderr of the child are appended here
}

// Fork starts a detached serving process in its own session.
func Fork(cfg ForkConfig) error {
	executable := cfg.Executable
	if executable == "" {
		var err error
		executable, err = os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
	}

	cmd := exec.Command(executable, cfg.Args...)
	cmd.Stdin = nil
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session
	}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0700); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile, err := os.OpenFile(cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open daemon log: %w", err)
		}
		defer func() { _ = logFile.Close() }()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}

	// Release the process so it can run independently
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("failed to release daemon process: %w", err)
	}
	return nil
}
