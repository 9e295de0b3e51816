package tcpline

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/registry"
)

const (
	// outboundQueueSize bounds pending writes per connection. Registry
	// fan-out must never block, so overflow drops (slow consumer).
	outboundQueueSize = 64

	writeTimeout = 10 * time.Second
)

// lineConn serializes all outbound lines for one TCP channel through a single
// writer goroutine. The session's own responses and registry-triggered pushes
// share the queue, so partial writes never interleave.
type lineConn struct {
	conn net.Conn
	out  chan string
	done chan struct{}
	log  zerolog.Logger
}

func newLineConn(conn net.Conn, logger zerolog.Logger) *lineConn {
	lc := &lineConn{
		conn: conn,
		out:  make(chan string, outboundQueueSize),
		done: make(chan struct{}),
		log:  logger,
	}
	go lc.writeLoop()
	return lc
}

func (lc *lineConn) writeLoop() {
	for {
		select {
		case line := <-lc.out:
			_ = lc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := fmt.Fprintf(lc.conn, "%s\n", line); err != nil {
				lc.log.Debug().Err(err).Msg("write line")
				return
			}
		case <-lc.done:
			// Drain what is already queued before giving up the conn.
			for {
				select {
				case line := <-lc.out:
					_ = lc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if _, err := fmt.Fprintf(lc.conn, "%s\n", line); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// send queues one line, dropping it when the peer cannot keep up.
func (lc *lineConn) send(line string) {
	select {
	case lc.out <- line:
	default:
		lc.log.Warn().Msg("outbound queue full, dropping line")
	}
}

func (lc *lineConn) close() {
	close(lc.done)
}

// lineConn renders session events as single lines of text.

func (lc *lineConn) Message(msg registry.Message) {
	lc.send(fmt.Sprintf("%s: %s", msg.From, msg.Text))
}

func (lc *lineConn) System(event, room, user string) {
	switch event {
	case registry.EventConnected:
		lc.send(fmt.Sprintf("> %s joined the chat!", user))
	case registry.EventDisconnected:
		lc.send(fmt.Sprintf("> %s left the chat!", user))
	case registry.EventJoined:
		lc.send(fmt.Sprintf("> %s joined.", user))
	case registry.EventLeft:
		lc.send(fmt.Sprintf("> %s left.", user))
	}
}

func (lc *lineConn) Direct(from, text string) {
	lc.send(fmt.Sprintf("[PM from %s]: %s", from, text))
}
