package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"nanofab.ai/internal/persistence/archive"
	"nanofab.ai/internal/persistence/indexdb"
	"nanofab.ai/internal/protocol"
	"nanofab.ai/internal/sim/tuning"
)

// Options configures the session server. Archive and Index may be nil.
type Options struct {
	Archive *archive.Archive
	Tuning  tuning.Tuning
	Index   *indexdb.SQLiteIndex

	// LogDir receives one step log per session; empty disables step logs.
	LogDir string
	// Mirror, if set, is handed each closed step log for upload.
	Mirror Uploader
}

// Uploader accepts finished artifact paths. r2s3.Mirror implements it.
type Uploader interface {
	Enqueue(localPath string)
}

// Server runs one interactive emulator per websocket connection.
type Server struct {
	opts Options
	log  *log.Logger

	upgrader websocket.Upgrader

	active   atomic.Int64
	sessions atomic.Int64
	steps    atomic.Int64
}

// Metrics are cumulative session counters.
type Metrics struct {
	ActiveSessions int64
	TotalSessions  int64
	Steps          int64
}

func (s *Server) Metrics() Metrics {
	return Metrics{
		ActiveSessions: s.active.Load(),
		TotalSessions:  s.sessions.Load(),
		Steps:          s.steps.Load(),
	}
}

func NewServer(opts Options, logger *log.Logger) *Server {
	if opts.Tuning.MaxBots == 0 {
		opts.Tuning = tuning.Defaults()
	}
	s := &Server{
		opts: opts,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		defer sess.close()
		s.active.Add(1)
		s.sessions.Add(1)
		defer s.active.Add(-1)
		s.logf("session %s: problem=%q r=%d profile=%s", sess.id, sess.problem, sess.emu.R(), sess.profile)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-sess.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if !sess.handle(ctx, msg) {
				break
			}
		}
		cancel()
		<-done
		s.steps.Add(int64(sess.emu.Steps()))
		s.logf("session %s: closed after %d steps, energy %d", sess.id, sess.emu.Steps(), sess.emu.Energy())
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.ValidateMessage(msg)
	if err != nil || base.Type != protocol.TypeHello {
		reason := "expected HELLO"
		if err != nil && base.Type == protocol.TypeHello {
			reason = err.Error()
		}
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, reason))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}

	sess, err := s.newSession(hello)
	if err != nil {
		code := protocol.ErrProtoBadRequest
		if errors.Is(err, archive.ErrNotFound) {
			code = protocol.ErrNotFound
		}
		_ = writeJSON(conn, protocol.NewError(code, err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
		return nil
	}

	if err := writeJSON(conn, sess.welcome()); err != nil {
		sess.close()
		return nil
	}
	return sess
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
