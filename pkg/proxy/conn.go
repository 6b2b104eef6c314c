package proxy

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shellbox-run/shellbox/pkg/log"
	"github.com/shellbox-run/shellbox/pkg/sandbox"
	"github.com/shellbox-run/shellbox/pkg/session"
)

// sentinelRe matches the status line the init phase plants after each
// command. The shell's echo of the typed printf never matches because the
// typed line still contains the %d placeholder.
var sentinelRe = regexp.MustCompile(`__sbx_init_(\d+)_(\d+)__`)

// initBufCap bounds how much suppressed init output is retained for sentinel
// scanning. Suppressed output is never delivered, so overflow is dropped.
const initBufCap = 64 * 1024

type sentinelResult struct {
	index  int
	status int
}

// conn is one attached client connection.
type conn struct {
	proxy *Proxy
	sess  session.Session
	ws    *websocket.Conn

	stream sandbox.TerminalStream

	sendCh chan []byte
	done   chan struct{}
	once   sync.Once

	// closeReason and destroyOnClose are set before closing; protected by stateMu.
	stateMu        sync.Mutex
	closeReason    string
	destroyOnClose bool

	// Initialization phase state; protected by muteMu.
	muteMu     sync.Mutex
	initActive bool
	muted      bool
	lineBuf    []byte
	sentinelCh chan sentinelResult
	dropped    int
}

func newConn(p *Proxy, sess session.Session, ws *websocket.Conn, stream sandbox.TerminalStream) *conn {
	return &conn{
		proxy:          p,
		sess:           sess,
		ws:             ws,
		stream:         stream,
		sendCh:         make(chan []byte, p.cfg.SendBuffer),
		done:           make(chan struct{}),
		destroyOnClose: true,
		sentinelCh:     make(chan sentinelResult, 8),
	}
}

// send queues a marshaled envelope for the write pump. Output frames for a
// slow client are dropped rather than blocking the sandbox reader.
func (c *conn) send(env Envelope) {
	select {
	case c.sendCh <- env.marshal():
	case <-c.done:
	default:
		c.stateMu.Lock()
		c.dropped++
		c.stateMu.Unlock()
	}
}

// sendBlocking queues a frame that must not be dropped (connection setup,
// initComplete, fatal errors).
func (c *conn) sendBlocking(env Envelope) {
	select {
	case c.sendCh <- env.marshal():
	case <-c.done:
	}
}

// close shuts the connection down exactly once. reason is for the log;
// destroy controls whether the bound session is torn down.
func (c *conn) close(reason string, destroy bool) {
	c.once.Do(func() {
		c.stateMu.Lock()
		c.closeReason = reason
		c.destroyOnClose = destroy
		c.stateMu.Unlock()
		close(c.done)
		_ = c.stream.Close()
		_ = c.ws.Close()
	})
}

// writePump drains sendCh onto the websocket.
func (c *conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.proxy.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close("client write failed", true)
				return
			}
		}
	}
}

// readSandbox relays sandbox output. While muted it only scans for init
// sentinels; nothing reaches the client until the phase ends.
func (c *conn) readSandbox() {
	buf := make([]byte, 4096)
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			c.handleOutput(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("sandbox stream closed", "session", c.sess.ID, "error", err)
			}
			c.close("sandbox stream closed", true)
			return
		}
	}
}

func (c *conn) handleOutput(b []byte) {
	c.muteMu.Lock()
	if c.initActive {
		c.scanSentinelsLocked(b)
	}
	muted := c.muted
	c.muteMu.Unlock()
	if muted {
		return
	}

	data := make([]byte, len(b))
	copy(data, b)
	c.send(Envelope{Type: MsgOutput, Data: data})
}

func (c *conn) scanSentinelsLocked(b []byte) {
	c.lineBuf = append(c.lineBuf, b...)
	if len(c.lineBuf) > initBufCap {
		c.lineBuf = c.lineBuf[len(c.lineBuf)-initBufCap:]
	}
	for _, match := range sentinelRe.FindAllSubmatch(c.lineBuf, -1) {
		index, _ := strconv.Atoi(string(match[1]))
		status, _ := strconv.Atoi(string(match[2]))
		select {
		case c.sentinelCh <- sentinelResult{index: index, status: status}:
		default:
		}
	}
	if loc := sentinelRe.FindAllIndex(c.lineBuf, -1); len(loc) > 0 {
		c.lineBuf = c.lineBuf[loc[len(loc)-1][1]:]
	}
}

func (c *conn) beginInit(silent bool) {
	c.muteMu.Lock()
	c.initActive = true
	c.muted = silent
	c.lineBuf = nil
	c.muteMu.Unlock()
}

func (c *conn) endInit() {
	c.muteMu.Lock()
	c.initActive = false
	c.muted = false
	c.lineBuf = nil
	c.muteMu.Unlock()
}

// runInit executes the initialization command sequence. Output is suppressed
// while silent; each command is followed by a sentinel print carrying its
// exit status. The phase fails on the first non-zero status or per-command
// timeout, but the session proceeds to streaming regardless.
//
// runInit leaves the connection muted: the caller unmutes with endInit after
// queueing initComplete, so no output frame can precede it.
func (c *conn) runInit(commands []string, silent bool, perCommand time.Duration) (bool, string) {
	if len(commands) == 0 {
		return true, ""
	}
	c.beginInit(silent)

	// Drain stale sentinels from a previous phase.
	for {
		select {
		case <-c.sentinelCh:
			continue
		default:
		}
		break
	}

	for i, cmd := range commands {
		if _, err := io.WriteString(c.stream, cmd+"\n"); err != nil {
			return false, fmt.Sprintf("failed to send command %d: %v", i+1, err)
		}
		if _, err := fmt.Fprintf(c.stream, "printf '__sbx_init_%d_%%d__\\n' \"$?\"\n", i); err != nil {
			return false, fmt.Sprintf("failed to send status probe %d: %v", i+1, err)
		}

		timer := time.NewTimer(perCommand)
	wait:
		for {
			select {
			case res := <-c.sentinelCh:
				if res.index != i {
					continue // stale sentinel from an earlier command
				}
				timer.Stop()
				if res.status != 0 {
					return false, fmt.Sprintf("command %d exited with status %d", i+1, res.status)
				}
				break wait
			case <-timer.C:
				return false, fmt.Sprintf("command %d timed out after %s", i+1, perCommand)
			case <-c.done:
				timer.Stop()
				return false, "connection closed during initialization"
			}
		}
	}
	return true, ""
}
