package ocpp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ocpphub/internal/models"

	"github.com/gorilla/websocket"
)

// ChargerLookup resolves the stored configuration of a charge point.
// A nil charger with a nil error means the identity is unknown.
type ChargerLookup interface {
	Get(ctx context.Context, chargePointID string) (*models.Charger, error)
}

type GatewayConfig struct {
	Registry    *Registry
	Chargers    ChargerLookup
	Dispatchers map[Version]Dispatcher
	Logger      *slog.Logger

	// AcceptUnknown lets charge points without a stored record connect.
	AcceptUnknown bool
	CallTimeout   time.Duration
	PingInterval  time.Duration
}

// Gateway accepts charge point websocket upgrades and runs one receive loop
// per connection.
type Gateway struct {
	cfg      GatewayConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

// NewGateway returns a gateway whose receive loops stop when ctx is done or
// Close is called.
func NewGateway(ctx context.Context, cfg GatewayConfig) *Gateway {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	gctx, cancel := context.WithCancel(ctx)
	return &Gateway{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    gctx,
		cancel: cancel,
	}
}

func (g *Gateway) Registry() *Registry { return g.cfg.Registry }

// Close stops every receive loop and closes every connection.
func (g *Gateway) Close() {
	g.cancel()
	g.cfg.Registry.CloseAll()
}

// HandleUpgrade authenticates and upgrades r for identity, then blocks in
// the connection's receive loop until it ends.
func (g *Gateway) HandleUpgrade(w http.ResponseWriter, r *http.Request, identity string) {
	identity = strings.TrimSpace(identity)
	log := g.logger.With("charge_point", identity, "remote", r.RemoteAddr)
	if identity == "" {
		http.Error(w, "missing charge point identity", http.StatusBadRequest)
		return
	}

	ch, err := g.cfg.Chargers.Get(r.Context(), identity)
	if err != nil {
		log.Error("charger lookup failed", "error", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if ch == nil && !g.cfg.AcceptUnknown {
		log.Warn("rejecting unknown charge point")
		http.Error(w, "unknown charge point", http.StatusNotFound)
		return
	}
	if ch != nil && !ch.IsActive {
		log.Warn("rejecting inactive charge point")
		http.Error(w, "charge point disabled", http.StatusForbidden)
		return
	}
	if err := authenticate(ch, r); err != nil {
		log.Warn("charge point authentication failed")
		w.Header().Set("WWW-Authenticate", `Basic realm="ocpp"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	offered := websocket.Subprotocols(r)
	version, ok := Negotiate(offered)
	if !ok {
		log.Warn("no supported subprotocol", "offered", offered)
		http.Error(w, "unsupported subprotocol", http.StatusBadRequest)
		return
	}
	dispatcher, ok := g.cfg.Dispatchers[version]
	if !ok {
		http.Error(w, "unsupported subprotocol", http.StatusBadRequest)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, http.Header{"Sec-Websocket-Protocol": {string(version)}})
	if err != nil {
		// Upgrade has already written the error response.
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConn(identity, dispatcher, ws, WithCallTimeout(g.cfg.CallTimeout), WithLogger(g.logger))
	if prev := g.cfg.Registry.Register(conn); prev != nil {
		log.Info("replacing previous connection", "previous_connected_at", prev.ConnectedAt())
		prev.Close()
	}
	log.Info("charge point connected", "ocpp_version", string(version))

	wait := 3 * g.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})
	go g.keepalive(ws, conn)

	err = conn.Serve(g.ctx)
	g.cfg.Registry.Unregister(conn)
	if err != nil && !isNormalClose(err) {
		log.Warn("charge point disconnected", "error", err)
		return
	}
	log.Info("charge point disconnected")
}

func (g *Gateway) keepalive(ws *websocket.Conn, conn *Conn) {
	t := time.NewTicker(g.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-conn.Done():
			return
		case <-t.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func isNormalClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, ErrConnClosed)
}
