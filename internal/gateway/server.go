package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"canvas-gateway/internal/auth"
	"canvas-gateway/internal/middleware"
	"canvas-gateway/internal/model"
	"canvas-gateway/internal/protocol"
	"canvas-gateway/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxPayload     int64 = 1024 * 1024
	writeWait            = 10 * time.Second
	pongWait             = 60 * time.Second
	backendTimeout       = 90 * time.Second
)

type Deps struct {
	Store          *store.Store
	TokenConfig    auth.TokenConfig
	Chat           ChatBackend
	Images         ImageAnalyzer
	PairingLimiter *middleware.RateLimiter
}

// Server terminates node connections at /ws/node and mediates chat, pairing,
// canvas and device operations over the envelope protocol.
type Server struct {
	store          *store.Store
	tokenConfig    auth.TokenConfig
	chat           ChatBackend
	images         ImageAnalyzer
	pairingLimiter *middleware.RateLimiter

	upgrader websocket.Upgrader

	users   *registry // userID -> connections
	viewers *registry // canvasID -> viewer connections

	// canvasLocks serializes mutate-and-broadcast per canvas so viewers see
	// deltas in the order the server applied them.
	canvasMu    sync.Mutex
	canvasLocks map[string]*sync.Mutex
}

func NewServer(deps Deps) *Server {
	return &Server{
		store:          deps.Store,
		tokenConfig:    deps.TokenConfig,
		chat:           deps.Chat,
		images:         deps.Images,
		pairingLimiter: deps.PairingLimiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		users:       newRegistry(),
		viewers:     newRegistry(),
		canvasLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Server) Serve(c *gin.Context) {
	token := middleware.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	claims, err := auth.VerifyToken(token, s.tokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	deviceID := c.GetHeader("X-Device-ID")
	deviceType := c.GetHeader("X-Device-Type")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing X-Device-ID"})
		return
	}
	if !model.ValidDeviceType(deviceType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid X-Device-Type"})
		return
	}

	now := time.Now().UnixMilli()
	if _, err := s.store.TouchDevice(claims.UserID, deviceID, deviceType, now); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	conn := newConn(ws, model.Session{
		ID:          uuid.NewString(),
		UserID:      claims.UserID,
		DeviceID:    deviceID,
		DeviceType:  deviceType,
		ConnectedAt: now,
		LastSeenAt:  now,
	})

	s.users.join(conn.session.UserID, conn)
	defer func() {
		s.users.leave(conn.session.UserID, conn)
		s.viewers.leaveAll(conn)
		conn.close()
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go conn.pingLoop()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		conn.session.LastSeenAt = time.Now().UnixMilli()
		s.handleRequest(conn, data)
	}
}

func (s *Server) handleRequest(c *conn, data []byte) {
	req, err := protocol.ParseRequest(data)
	if err != nil {
		log.Printf("gateway: dropping malformed request from %s: %v", c.session.DeviceID, err)
		return
	}

	switch req.Type {
	case protocol.TypeChat:
		go s.handleChat(c, req)
	case protocol.TypeImage:
		go s.handleImage(c, req)
	case protocol.TypePairing:
		s.handlePairing(c, req)
	case protocol.TypeCanvas:
		s.handleCanvas(c, req)
	case protocol.TypeCommand:
		s.handleCommand(c, req)
	default:
		s.respondError(c, req, "unknown request type")
	}
}

func (s *Server) respond(c *conn, req protocol.Request, payload string) {
	s.write(c, protocol.Response{RequestID: req.ID, Type: req.Type, Payload: payload})
}

func (s *Server) respondError(c *conn, req protocol.Request, msg string) {
	s.write(c, protocol.Response{RequestID: req.ID, Type: req.Type, Error: msg})
}

func (s *Server) write(c *conn, resp protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.writeText(data); err != nil {
		c.close()
	}
}

func (s *Server) handleChat(c *conn, req protocol.Request) {
	var body protocol.ChatPayload
	if err := json.Unmarshal(req.Payload, &body); err != nil || body.Message == "" {
		s.respondError(c, req, "invalid chat payload")
		return
	}
	if s.chat == nil {
		s.respondError(c, req, "chat backend not configured")
		return
	}

	userID := c.session.UserID
	s.store.AppendChatMessage(userID, model.ChatRoleUser, body.Message, time.Now().UnixMilli())

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	reply, err := s.chat.Reply(ctx, userID, body.Message)
	if err != nil {
		s.respondError(c, req, err.Error())
		return
	}

	s.store.AppendChatMessage(userID, model.ChatRoleAssistant, reply, time.Now().UnixMilli())
	s.respond(c, req, reply)

	// Other devices of the same user see the reply as a push.
	push := protocol.Response{Type: protocol.TypeMessage, Payload: reply}
	for _, other := range s.users.members(userID) {
		if other != c {
			s.write(other, push)
		}
	}
}

func (s *Server) handleImage(c *conn, req protocol.Request) {
	var body protocol.ImagePayload
	if err := json.Unmarshal(req.Payload, &body); err != nil || body.Action != protocol.ImageActionAnalyze || body.Image == "" {
		s.respondError(c, req, "invalid image payload")
		return
	}
	if s.images == nil {
		s.respondError(c, req, "image backend not configured")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	analysis, err := s.images.Analyze(ctx, c.session.UserID, body.Image)
	if err != nil {
		s.respondError(c, req, err.Error())
		return
	}
	s.respond(c, req, analysis)
}

func (s *Server) handlePairing(c *conn, req protocol.Request) {
	var body protocol.PairingPayload
	if err := json.Unmarshal(req.Payload, &body); err != nil || body.Action != protocol.PairingActionRequestCode {
		s.respondError(c, req, "invalid pairing payload")
		return
	}
	if s.pairingLimiter != nil && !s.pairingLimiter.Allow(c.session.UserID) {
		s.respondError(c, req, "Rate limit exceeded")
		return
	}

	pc, err := s.store.IssuePairingCode(c.session.UserID, time.Now().UnixMilli())
	if err != nil {
		s.respondError(c, req, err.Error())
		return
	}
	s.respond(c, req, pc.Code)
}

func (s *Server) handleCanvas(c *conn, req protocol.Request) {
	var body protocol.CanvasPayload
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		s.respondError(c, req, "invalid canvas payload")
		return
	}

	userID := c.session.UserID
	switch body.Action {
	case protocol.CanvasActionCreate:
		cs := s.store.CreateCanvas(userID)
		s.viewers.join(cs.ID, c)
		data, err := json.Marshal(cs)
		if err != nil {
			s.respondError(c, req, "canvas serialization failed")
			return
		}
		s.respond(c, req, string(data))

	case protocol.CanvasActionWatch:
		// Snapshot, join and reply under the canvas lock so no delta for
		// a later revision can reach the socket before the snapshot.
		lock := s.canvasLock(body.CanvasID)
		lock.Lock()
		cs, ok := s.store.GetCanvas(userID, body.CanvasID)
		if !ok {
			lock.Unlock()
			s.respondError(c, req, "Canvas not found")
			return
		}
		s.viewers.join(cs.ID, c)
		data, err := json.Marshal(cs)
		if err != nil {
			lock.Unlock()
			s.respondError(c, req, "canvas serialization failed")
			return
		}
		s.respond(c, req, string(data))
		lock.Unlock()

	case protocol.CanvasActionUpdate:
		var comp model.Component
		if err := json.Unmarshal(body.Component, &comp); err != nil {
			s.respondError(c, req, "invalid component")
			return
		}
		lock := s.canvasLock(body.CanvasID)
		lock.Lock()
		update, err := s.store.UpsertComponent(userID, body.CanvasID, comp)
		if err != nil {
			lock.Unlock()
			s.respondError(c, req, err.Error())
			return
		}
		s.broadcastCanvasUpdate(update)
		lock.Unlock()
		s.respond(c, req, "")

	case protocol.CanvasActionClose:
		lock := s.canvasLock(body.CanvasID)
		lock.Lock()
		update, err := s.store.CloseCanvas(userID, body.CanvasID)
		if err != nil {
			lock.Unlock()
			s.respondError(c, req, err.Error())
			return
		}
		s.broadcastCanvasUpdate(update)
		lock.Unlock()

		s.viewers.drop(body.CanvasID)
		s.dropCanvasLock(body.CanvasID)
		s.respond(c, req, "")

	default:
		s.respondError(c, req, "unknown canvas action")
	}
}

func (s *Server) handleCommand(c *conn, req protocol.Request) {
	var body protocol.CommandPayload
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		s.respondError(c, req, "invalid command payload")
		return
	}

	switch body.Action {
	case protocol.CommandActionListDevices:
		devices := s.store.ListDevices(c.session.UserID)
		data, err := json.Marshal(devices)
		if err != nil {
			s.respondError(c, req, "device serialization failed")
			return
		}
		s.respond(c, req, string(data))

	case protocol.CommandActionRemoveDevice:
		if body.DeviceID == "" {
			s.respondError(c, req, "missing device id")
			return
		}
		if !s.store.RemoveDevice(c.session.UserID, body.DeviceID) {
			s.respondError(c, req, "Device not found")
			return
		}
		s.respond(c, req, "")

	default:
		s.respondError(c, req, "unknown command action")
	}
}

func (s *Server) broadcastCanvasUpdate(update model.CanvasUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	push := protocol.Response{Type: protocol.TypeCanvasUpdate, Payload: string(data)}
	for _, viewer := range s.viewers.members(update.CanvasID) {
		s.write(viewer, push)
	}
}

func (s *Server) canvasLock(canvasID string) *sync.Mutex {
	s.canvasMu.Lock()
	defer s.canvasMu.Unlock()

	lock, ok := s.canvasLocks[canvasID]
	if !ok {
		lock = &sync.Mutex{}
		s.canvasLocks[canvasID] = lock
	}
	return lock
}

func (s *Server) dropCanvasLock(canvasID string) {
	s.canvasMu.Lock()
	defer s.canvasMu.Unlock()

	delete(s.canvasLocks, canvasID)
}

type conn struct {
	ws      *websocket.Conn
	session model.Session

	sendMu sync.Mutex
	closed atomic.Bool
}

func newConn(ws *websocket.Conn, session model.Session) *conn {
	return &conn{ws: ws, session: session}
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *conn) pingLoop() {
	pingPeriod := (pongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if c.closed.Load() {
			return
		}
		deadline := time.Now().Add(writeWait)
		if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			c.close()
			return
		}
	}
}
