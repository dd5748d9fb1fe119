package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kdlbs/agentmesh/internal/common/logger"
	"github.com/kdlbs/agentmesh/internal/orchestrator"
	"github.com/kdlbs/agentmesh/internal/session"
	"github.com/kdlbs/agentmesh/pkg/identity"
	"github.com/kdlbs/agentmesh/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades a duplex client connection and drives its Session for
// the lifetime of the socket, the Session Layer's entry point (§4.6).
type WSHandler struct {
	orchestrator *orchestrator.Orchestrator
	verifier     identity.Verifier
	cfg          session.Config
	logger       *logger.Logger
}

// NewWSHandler builds a WSHandler bound to orch, authenticating every
// connection against verifier before admitting it to a Session.
func NewWSHandler(orch *orchestrator.Orchestrator, verifier identity.Verifier, cfg session.Config, log *logger.Logger) *WSHandler {
	return &WSHandler{orchestrator: orch, verifier: verifier, cfg: cfg, logger: log}
}

// Stream handles GET /v1/stream: upgrades to a WebSocket, requires a first
// AUTH envelope, and then runs the Session until disconnect.
func (h *WSHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx := c.Request.Context()
	principal, ok := h.authenticate(ctx, conn)
	if !ok {
		_ = conn.Close()
		return
	}

	sessionID := uuid.New().String()
	transport := newWSTransport(conn)
	sess := session.New(sessionID, principal, transport, h.orchestrator, h.cfg, h.logger)

	ack, err := protocol.Encode(protocol.KindAuthAck, sessionID, "", 0, protocol.AuthAckPayload{Principal: principal})
	if err == nil {
		_ = transport.WriteEnvelope(ack)
	}

	go h.readLoop(ctx, conn, sess)
	sess.Run(ctx)
}

// authenticate reads exactly one AUTH envelope and verifies its credential
// against the configured identity.Verifier.
func (h *WSHandler) authenticate(ctx context.Context, conn *websocket.Conn) (string, bool) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Kind != protocol.KindAuth {
		return "", false
	}

	var p protocol.AuthPayload
	if err := env.Decode(&p); err != nil {
		return "", false
	}

	principal, err := h.verifier.Verify(ctx, p.Credential)
	if err != nil {
		return "", false
	}
	return principal.ID, true
}

// readLoop pumps inbound frames from the socket into the Session until the
// connection closes. Submit/Cancel are dispatched off the read goroutine so
// a slow Orchestrator call never stalls the socket's read pump.
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			sess.Close()
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch env.Kind {
		case protocol.KindSubmit:
			var p protocol.SubmitPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			go func() { _, _ = sess.Submit(ctx, p) }()
		case protocol.KindCancel:
			taskID := env.TaskID
			go func() { _ = sess.Cancel(ctx, taskID) }()
		case protocol.KindPong:
			sess.HandlePong()
		}
	}
}

// SetupWebSocketRoutes mounts the Session Layer's single streaming endpoint.
func SetupWebSocketRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/stream", handler.Stream)
}
