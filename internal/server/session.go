package server

import (
	"context"
	"errors"
	"time"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/registry"
	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"
)

const defaultSendBuffer = 32

// FrameConn is the message-oriented transport a session runs on. The fiber
// websocket connection satisfies it.
type FrameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var errSessionClosed = errors.New("session closed")

// chatSession is one client connection. The read loop owns inbound frames;
// a single sender goroutine owns writes.
type chatSession struct {
	id          string
	identity    string
	conn        FrameConn
	sendCh      chan registry.Event
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time
	log         *zap.Logger
}

func newChatSession(parent context.Context, id, identity string, conn FrameConn, buffer int, log *zap.Logger) *chatSession {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	ctx, cancel := context.WithCancel(parent)
	return &chatSession{
		id:          id,
		identity:    identity,
		conn:        conn,
		sendCh:      make(chan registry.Event, buffer),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
		log:         log.With(zap.String("session_id", id), zap.String("user", identity)),
	}
}

// opContext carries the session's values but not its cancellation. A join or
// send that has started writing to the store runs through its publish even if
// the session closes underneath it.
func (s *chatSession) opContext() context.Context {
	return context.WithoutCancel(s.ctx)
}

func (s *chatSession) ID() string       { return s.id }
func (s *chatSession) Identity() string { return s.identity }

// Push queues evt without blocking. A full buffer closes the session; the
// client is too slow to keep.
func (s *chatSession) Push(evt registry.Event) error {
	select {
	case <-s.ctx.Done():
		return errSessionClosed
	default:
	}
	select {
	case s.sendCh <- evt:
		return nil
	default:
		s.cancel()
		return &routeError{code: codeBackpressure, msg: "session send buffer full", fatal: true}
	}
}

func (s *chatSession) sender() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.sendCh:
			data, err := encodeOutbound(evt)
			if err != nil {
				s.log.Warn("encode outbound event", zap.String("event", evt.EventName()), zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn("connection write failed", zap.Error(err))
				s.cancel()
				return
			}
		}
	}
}

const (
	codeInvalidFrame     = "INVALID_FRAME"
	codeValidationFailed = "VALIDATION_FAILED"
	codeForbidden        = "FORBIDDEN"
	codeStoreFailed      = "STORE_FAILED"
	codePublishFailed    = "PUBLISH_FAILED"
	codeBackpressure     = "BACKPRESSURE"
)

// routeError maps request failures to client error events.
type routeError struct {
	code  string
	msg   string
	fatal bool
	err   error
}

func (e *routeError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *routeError) Unwrap() error { return e.err }
