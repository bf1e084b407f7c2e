package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bookd/fanout"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxCommandSize = 4096
	sendQueueSize  = 256
)

// Command is a client subscription request.
type Command struct {
	Action       string `json:"action"` // "subscribe" | "unsubscribe"
	Channel      string `json:"channel"`
	MarketTicker string `json:"market_ticker"`
}

// Server upgrades HTTP connections into fanout subscribers.
type Server struct {
	fanout   *fanout.Fanout
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewServer(fo *fanout.Fanout, log *zap.Logger) *Server {
	return &Server{
		fanout: fo,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Subscribers are internal consumers; origin policy is the
			// deployment's reverse proxy's job.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	sess := &session{
		id:     uuid.NewString(),
		conn:   conn,
		sendCh: make(chan *fanout.Message, sendQueueSize),
		done:   make(chan struct{}),
		server: s,
		log:    s.log,
	}
	s.log.Info("session connected", zap.String("session", sess.id))

	go sess.writeLoop()
	sess.readLoop()
}

// session is one connected subscriber. Send queues into a bounded buffer;
// a full buffer means the client cannot keep up and the fanout will see the
// error and log it. The client recovers on the next snapshot resync.
type session struct {
	id     string
	conn   *websocket.Conn
	sendCh chan *fanout.Message
	done   chan struct{}
	server *Server
	log    *zap.Logger
}

func (s *session) ID() string { return s.id }

// Send may race the session teardown: the fanout can hold a reference past
// Drop. The done channel makes that a plain error instead of a send on a
// dead session.
func (s *session) Send(msg *fanout.Message) error {
	select {
	case <-s.done:
		return errors.New("session closed")
	case s.sendCh <- msg:
		return nil
	default:
		return errors.New("send queue full")
	}
}

func (s *session) readLoop() {
	defer func() {
		s.server.fanout.Drop(s.id)
		close(s.done)
		s.conn.Close()
		s.log.Info("session closed", zap.String("session", s.id))
	}()

	s.conn.SetReadLimit(maxCommandSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("read failed",
					zap.String("session", s.id), zap.Error(err))
			}
			return
		}
		s.handle(raw)
	}
}

func (s *session) handle(raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.log.Warn("bad command",
			zap.String("session", s.id), zap.Error(err))
		return
	}
	if cmd.MarketTicker == "" {
		s.log.Warn("command without market",
			zap.String("session", s.id), zap.String("action", cmd.Action))
		return
	}

	switch cmd.Action {
	case "subscribe":
		s.server.fanout.Subscribe(s, cmd.Channel, cmd.MarketTicker)
	case "unsubscribe":
		s.server.fanout.Unsubscribe(s.id, cmd.Channel, cmd.MarketTicker)
	default:
		s.log.Warn("unknown action",
			zap.String("session", s.id), zap.String("action", cmd.Action))
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case msg := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Listen serves the websocket endpoint until ctx is cancelled.
func Listen(ctx context.Context, addr string, srv *Server, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", srv)

	hs := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	log.Info("websocket server listening", zap.String("addr", addr))
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
