package killswitch

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blockremote/backend/internal/access"
	"github.com/blockremote/backend/internal/config"
	"github.com/blockremote/backend/internal/infra"
	"github.com/blockremote/backend/internal/monitoring"
	"github.com/blockremote/backend/internal/security"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	maxMsgSize = 512
	sendBuffer = 16

	// ClosePaymentRequired is the application close code for an expired
	// trial without a subscription.
	ClosePaymentRequired = 4003
)

// SocketServer owns the two WebSocket endpoints: the standard kill-switch
// socket that receives block broadcasts, and the priority socket used by
// the on-device overlay agent.
type SocketServer struct {
	cfg    *config.Settings
	hub    *Hub
	tokens *security.TokenService
	access *access.Service
	redis  *infra.RedisAdapter
	log    *log.Logger

	upgrader websocket.Upgrader
}

// NewSocketServer wires both endpoints. Origin policy is enforced after
// the upgrade so rejections carry a close code instead of a bare 403.
func NewSocketServer(cfg *config.Settings, hub *Hub, tokens *security.TokenService, acc *access.Service, redis *infra.RedisAdapter) *SocketServer {
	return &SocketServer{
		cfg:    cfg,
		hub:    hub,
		tokens: tokens,
		access: acc,
		redis:  redis,
		log:    log.New(log.Writer(), "[SOCKET] ", log.LstdFlags),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// =============================================================================
// STANDARD KILL-SWITCH SOCKET
// =============================================================================

// HandleKillSwitch upgrades and admits a device socket. The token arrives
// as the first Sec-WebSocket-Protocol entry or a token query parameter.
func (s *SocketServer) HandleKillSwitch(w http.ResponseWriter, r *http.Request) {
	protocols := splitProtocols(r.Header.Get("Sec-WebSocket-Protocol"))
	token := ""
	if len(protocols) > 0 {
		token = protocols[0]
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	deviceID := r.URL.Query().Get("device_id")

	var respHeader http.Header
	if len(protocols) > 0 {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {protocols[0]}}
	}
	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.log.Printf("upgrade failed: %v", err)
		return
	}

	if token == "" || deviceID == "" {
		s.reject(conn, websocket.ClosePolicyViolation)
		return
	}

	ctx := r.Context()
	claims, err := s.tokens.VerifyForDevice(ctx, token, deviceID, security.TokenTypeAccess)
	if err != nil {
		s.reject(conn, websocket.ClosePolicyViolation)
		return
	}

	state, err := s.access.ComputePaywall(ctx, claims.Subject, deviceID, nil, time.Now().UTC())
	if err != nil {
		s.reject(conn, websocket.ClosePolicyViolation)
		return
	}
	if state.TrialExpired && !state.IsPremium {
		s.reject(conn, ClosePaymentRequired)
		return
	}

	sock := newSocket(deviceID, conn, s.hub)
	if err := s.hub.Register(sock); err != nil {
		s.log.Printf("register failed device=%s: %v", deviceID, err)
		s.reject(conn, websocket.CloseTryAgainLater)
		return
	}
	monitoring.SocketsActive.WithLabelValues("standard").Inc()
	s.log.Printf("socket open device=%s", deviceID)

	go sock.writePump()
	sock.readPump() // blocks until disconnect

	s.hub.Unregister(sock)
	monitoring.SocketsActive.WithLabelValues("standard").Dec()
	s.log.Printf("socket closed device=%s", deviceID)
}

// =============================================================================
// PRIORITY SOCKET
// =============================================================================

// HandlePriority serves the overlay agent. Admission: origin allowlist,
// bearer token via "bearer,<jwt>" subprotocol or Authorization header,
// then a per-IP-and-device rate gate. On connect the pending overlay flag
// is pushed; inbound SYNTHETIC_TOUCH_ALARM escalates to a critical lock.
func (s *SocketServer) HandlePriority(w http.ResponseWriter, r *http.Request) {
	protocols := splitProtocols(r.Header.Get("Sec-WebSocket-Protocol"))

	token := ""
	for i, p := range protocols {
		if strings.EqualFold(p, "bearer") && i+1 < len(protocols) {
			token = protocols[i+1]
			break
		}
	}
	if token == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			token = auth[7:]
		}
	}

	var respHeader http.Header
	if len(protocols) > 0 {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {"bearer"}}
	}
	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.log.Printf("priority upgrade failed: %v", err)
		return
	}

	origin := r.Header.Get("Origin")
	if len(s.cfg.WSAllowedOrigins) > 0 && !containsString(s.cfg.WSAllowedOrigins, origin) {
		s.reject(conn, websocket.ClosePolicyViolation)
		return
	}
	if token == "" {
		s.reject(conn, websocket.ClosePolicyViolation)
		return
	}

	ctx := r.Context()
	claims, err := s.tokens.Verify(ctx, token, security.TokenTypeAccess)
	if err != nil {
		s.reject(conn, websocket.ClosePolicyViolation)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = claims.DeviceID
	}
	if claims.DeviceID != deviceID {
		s.reject(conn, websocket.ClosePolicyViolation)
		return
	}
	if err := s.tokens.CheckRevocation(ctx, claims); err != nil {
		s.reject(conn, websocket.ClosePolicyViolation)
		return
	}

	if !s.priorityRateGate(ctx, clientIP(r), deviceID) {
		s.reject(conn, websocket.CloseTryAgainLater)
		return
	}

	monitoring.SocketsActive.WithLabelValues("priority").Inc()
	defer monitoring.SocketsActive.WithLabelValues("priority").Dec()
	s.log.Printf("priority socket open device=%s", deviceID)

	// Pending overlay flag is delivered immediately on connect.
	if _, err := s.redis.Get(ctx, infra.KeyForceOverlay(deviceID)); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ForceOverlayMessage(deviceID))); err != nil {
			conn.Close()
			return
		}
	}

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if string(msg) == "SYNTHETIC_TOUCH_ALARM" {
			s.log.Printf("synthetic touch alarm device=%s", deviceID)
			if err := s.redis.Publish(ctx, infra.KillSwitchChannel, CriticalLockMessage(deviceID)); err != nil {
				s.log.Printf("critical lock publish failed device=%s: %v", deviceID, err)
			}
		}
	}
	conn.Close()
	s.log.Printf("priority socket closed device=%s", deviceID)
}

// priorityRateGate bounds connection attempts per source IP and device.
func (s *SocketServer) priorityRateGate(ctx context.Context, ip, deviceID string) bool {
	key := infra.KeyWSPriority(ip, deviceID)
	n, err := s.redis.Incr(ctx, key)
	if err != nil {
		s.log.Printf("priority rate gate failed: %v", err)
		return true // fail open, admission already passed auth
	}
	if n == 1 {
		s.redis.Expire(ctx, key, s.cfg.WSRateLimitWindow)
	}
	return n <= s.cfg.WSRateLimitMax
}

func (s *SocketServer) reject(conn *websocket.Conn, code int) {
	monitoring.SocketRejections.WithLabelValues(strconv.Itoa(code)).Inc()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
	conn.Close()
}

// =============================================================================
// SOCKET
// =============================================================================

// socket is one registered standard connection with buffered outbound
// delivery and a single close path.
type socket struct {
	deviceID string
	conn     *websocket.Conn
	hub      *Hub
	send     chan string
	once     sync.Once
	closed   chan struct{}
}

func newSocket(deviceID string, conn *websocket.Conn, hub *Hub) *socket {
	return &socket{
		deviceID: deviceID,
		conn:     conn,
		hub:      hub,
		send:     make(chan string, sendBuffer),
		closed:   make(chan struct{}),
	}
}

func (s *socket) DeviceID() string { return s.deviceID }

// Deliver queues a message without blocking the hub. A full buffer counts
// as a failed delivery and drops the socket.
func (s *socket) Deliver(message string) error {
	select {
	case <-s.closed:
		return websocket.ErrCloseSent
	case s.send <- message:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

func (s *socket) close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

func (s *socket) readPump() {
	defer s.close()
	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// Inbound traffic on the standard socket is ignored; reading keeps
		// control frames flowing and detects disconnects.
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func splitProtocols(header string) []string {
	if header == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(header, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
