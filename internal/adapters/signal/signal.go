package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/dkeye/Meet/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Settings bound the per-connection resources of the controller.
type Settings struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
	RateLimit    int
	RateInterval time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.ReadLimit <= 0 {
		s.ReadLimit = 32768
	}
	if s.PingPeriod <= 0 {
		s.PingPeriod = 30 * time.Second
	}
	if s.PongWait <= s.PingPeriod {
		s.PongWait = s.PingPeriod * 10 / 9
	}
	if s.WriteWait <= 0 {
		s.WriteWait = 5 * time.Second
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = 64
	}
	return s
}

type handlerFunc func(ms core.MemberSession, m protocol.Message) error

type SignalWSController struct {
	Orch *orch.Orchestrator

	settings Settings
	limiter  *ratelimit.Window[domain.ParticipantID]
	handlers map[protocol.Kind]handlerFunc
}

// NewSignalWSController panics if a client kind has no handler.
func NewSignalWSController(o *orch.Orchestrator, s Settings) *SignalWSController {
	s = s.withDefaults()
	ctl := &SignalWSController{
		Orch:     o,
		settings: s,
		limiter:  ratelimit.NewWindow[domain.ParticipantID](s.RateLimit, s.RateInterval),
	}
	ctl.handlers = ctl.handlerTable()
	for _, k := range protocol.ClientKinds() {
		if _, ok := ctl.handlers[k]; !ok {
			panic("signal: no handler for client kind " + string(k))
		}
	}
	return ctl
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves one participant until the
// socket closes or ctx ends.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.settings.SendBuffer),
	}
	meta := domain.NewParticipant(domain.NewParticipantID(), "")
	sess := core.NewMemberSession(&meta, conn)
	log.Info().Str("module", "signal").Str("token", token).Str("pid", string(meta.ID)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sess, conn)
}
