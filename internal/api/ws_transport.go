package api

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/kdlbs/agentmesh/pkg/protocol"
)

// wsTransport adapts a *websocket.Conn to session.Transport, one frame per
// text message, matching the teacher's Client.send pattern but without an
// intermediate send channel: Session already buffers outbound frames.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteEnvelope(env *protocol.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, raw)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
