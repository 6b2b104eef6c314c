package proxy

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shellbox-run/shellbox/pkg/log"
	"github.com/shellbox-run/shellbox/pkg/sandbox"
	"github.com/shellbox-run/shellbox/pkg/session"
)

// Sessions is the slice of the session manager the proxy needs.
type Sessions interface {
	Get(id string) (session.Session, error)
	Touch(id string) error
	MarkRunning(id string, initSucceeded bool) error
	Destroy(ctx context.Context, id string, reason string) error
}

// Terminal is the slice of the provisioner the proxy needs.
type Terminal interface {
	Attach(ctx context.Context, handle sandbox.Handle) (sandbox.TerminalStream, error)
	Resize(ctx context.Context, handle sandbox.Handle, rows, cols uint) error
}

// Admission gates discrete command submissions.
type Admission interface {
	CheckCommand(clientID string) error
}

// Config tunes per-connection behavior.
type Config struct {
	// MaxClientMessage bounds a single client frame in bytes. Oversized
	// frames close the connection, never buffer.
	MaxClientMessage int64
	// InitCommandTimeout bounds each initialization command.
	InitCommandTimeout time.Duration
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
	// SendBuffer is the per-connection outbound frame buffer.
	SendBuffer int
}

// DefaultConfig returns the default proxy tuning.
func DefaultConfig() Config {
	return Config{
		MaxClientMessage:   8 * 1024,
		InitCommandTimeout: 15 * time.Second,
		WriteTimeout:       10 * time.Second,
		SendBuffer:         256,
	}
}

// Proxy attaches client websockets to sandbox PTYs. It also implements
// session.Notifier so sweep transitions reach connected clients.
type Proxy struct {
	sessions  Sessions
	terminal  Terminal
	admission Admission
	cfg       Config

	mu    sync.Mutex
	conns map[string]*conn
}

// New builds a proxy.
func New(cfg Config, sessions Sessions, terminal Terminal, admission Admission) *Proxy {
	return &Proxy{
		sessions:  sessions,
		terminal:  terminal,
		admission: admission,
		cfg:       cfg,
		conns:     make(map[string]*conn),
	}
}

// Handle runs one client connection to completion. It owns ws and closes it.
func (p *Proxy) Handle(ctx context.Context, ws *websocket.Conn, sessionID string) {
	sess, err := p.sessions.Get(sessionID)
	if err != nil {
		reason := "session not found"
		if errors.Is(err, session.ErrExpired) {
			reason = "session expired"
		}
		_ = ws.WriteMessage(websocket.TextMessage, Envelope{Type: MsgError, Error: reason}.marshal())
		_ = ws.Close()
		return
	}
	switch sess.State {
	case session.StateStarting, session.StateRunning, session.StateTimeoutWarning:
	default:
		_ = ws.WriteMessage(websocket.TextMessage, Envelope{Type: MsgError, Error: "session expired"}.marshal())
		_ = ws.Close()
		return
	}

	stream, err := p.terminal.Attach(ctx, sess.Sandbox)
	if err != nil {
		log.Error("failed to attach to sandbox", "session", sessionID, "error", err)
		_ = ws.WriteMessage(websocket.TextMessage, Envelope{Type: MsgError, Error: "failed to attach to sandbox"}.marshal())
		_ = ws.Close()
		// The sandbox is unreachable; reclaim it now rather than waiting
		// for the sweep.
		_ = p.sessions.Destroy(context.Background(), sessionID, "attach failed")
		return
	}

	c := newConn(p, sess, ws, stream)
	p.register(sessionID, c)
	defer p.unregister(sessionID, c)

	// Configured initialization runs once, before any output is exposed. The
	// mute must be in place before the sandbox reader starts, or an early
	// shell prompt could slip out ahead of initComplete.
	pendingInit := len(sess.InitCommands) > 0 && !sess.InitCompleted
	if pendingInit {
		c.beginInit(true)
	}

	ws.SetReadLimit(p.cfg.MaxClientMessage)
	go c.writePump()
	go c.readSandbox()

	c.sendBlocking(Envelope{Type: MsgConnected, SessionID: sessionID})

	// Even an empty command list is a phase: clients wait for initComplete
	// before rendering the terminal.
	if !sess.InitCompleted {
		p.runInitPhase(c, sess.InitCommands, true, 0)
	}

	p.readClient(ctx, c)

	c.stateMu.Lock()
	reason, destroy := c.closeReason, c.destroyOnClose
	if reason == "" {
		reason = "connection closed"
	}
	dropped := c.dropped
	c.stateMu.Unlock()

	if dropped > 0 {
		log.Warn("dropped output frames for slow client", "session", sessionID, "count", dropped)
	}
	if destroy {
		if err := p.sessions.Destroy(context.Background(), sessionID, reason); err != nil {
			log.Error("failed to destroy session on close", "session", sessionID, "error", err)
		}
	}
}

func (p *Proxy) runInitPhase(c *conn, commands []string, silent bool, timeout time.Duration) {
	if timeout <= 0 {
		timeout = p.cfg.InitCommandTimeout
	}
	ok, errDesc := c.runInit(commands, silent, timeout)
	if err := p.sessions.MarkRunning(c.sess.ID, ok); err != nil {
		log.Debug("mark running failed", "session", c.sess.ID, "error", err)
	}
	success := ok
	env := Envelope{Type: MsgInitComplete, Success: &success}
	if !ok {
		env.Error = errDesc
		log.Warn("initialization failed", "session", c.sess.ID, "error", errDesc)
	}
	// initComplete is queued while output is still muted; only then is the
	// mute lifted. The send channel preserves order, so no output frame can
	// reach the client ahead of it.
	c.sendBlocking(env)
	c.endInit()
}

// readClient is the client-to-sandbox relay. Binary frames are raw keystrokes;
// text frames are structured control messages.
func (p *Proxy) readClient(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			c.close("server shutting down", true)
			return
		case <-c.done:
			return
		default:
		}

		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// Oversized frame: a protocol violation closes the
				// connection but leaves the sandbox for the sweep.
				c.close("client frame exceeded size limit", false)
				return
			}
			c.close("client disconnected", true)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			p.handleInput(c, payload)
		case websocket.TextMessage:
			ctl, err := parseControl(payload)
			if err != nil {
				c.sendBlocking(Envelope{Type: MsgError, Error: err.Error()})
				c.close("invalid control message", false)
				return
			}
			p.handleControl(ctx, c, ctl)
		}
	}
}

func (p *Proxy) handleInput(c *conn, payload []byte) {
	if len(payload) == 0 {
		return
	}
	// A frame carrying a line ending is a discrete command submission and is
	// subject to the command rate limit; pure keystroke frames are not.
	if bytes.ContainsAny(payload, "\r\n") {
		if err := p.admission.CheckCommand(c.sess.ClientID); err != nil {
			c.send(Envelope{Type: MsgWarning, Message: "command rate limit exceeded, input dropped"})
			return
		}
	}
	if _, err := c.stream.Write(payload); err != nil {
		c.close("sandbox write failed", true)
		return
	}
	_ = p.sessions.Touch(c.sess.ID)
}

func (p *Proxy) handleControl(ctx context.Context, c *conn, ctl ControlMessage) {
	switch ctl.Type {
	case ControlResize:
		if err := p.terminal.Resize(ctx, c.sess.Sandbox, ctl.Rows, ctl.Cols); err != nil {
			log.Debug("resize failed", "session", c.sess.ID, "error", err)
			return
		}
		_ = p.sessions.Touch(c.sess.ID)
	case ControlInit:
		timeout := time.Duration(ctl.TimeoutSeconds) * time.Second
		p.runInitPhase(c, ctl.Commands, ctl.Silent, timeout)
		_ = p.sessions.Touch(c.sess.ID)
	}
}

func (p *Proxy) register(sessionID string, c *conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.conns[sessionID]; ok {
		// One connection per session; a newer attach displaces the old one
		// without tearing the session down.
		prev.close("replaced by new connection", false)
	}
	p.conns[sessionID] = c
}

func (p *Proxy) unregister(sessionID string, c *conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[sessionID] == c {
		delete(p.conns, sessionID)
	}
}

func (p *Proxy) lookup(sessionID string) *conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[sessionID]
}

// SessionExpiring implements session.Notifier: warn the connected client that
// the idle grace window started.
func (p *Proxy) SessionExpiring(sessionID string, deadline time.Time) {
	if c := p.lookup(sessionID); c != nil {
		c.send(Envelope{
			Type:     MsgWarning,
			Message:  "session idle, expiring soon",
			Deadline: deadline.UTC().Format(time.RFC3339),
		})
	}
}

// SessionExpired implements session.Notifier: the session is gone, so the
// connection closes without triggering another teardown.
func (p *Proxy) SessionExpired(sessionID string, reason string) {
	if c := p.lookup(sessionID); c != nil {
		c.sendBlocking(Envelope{Type: MsgError, Error: "session expired: " + reason})
		c.close("session expired", false)
	}
}

var _ session.Notifier = (*Proxy)(nil)
