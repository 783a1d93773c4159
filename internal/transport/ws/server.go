// Package ws is the ingest transport: one websocket per device, HELLO
// handshake then a stream of SAMPLE frames buffered into the session's
// device table.
package ws

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pulsegate.fit/internal/protocol"
	"pulsegate.fit/internal/session"
)

type Server struct {
	sess *session.Session
	log  *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(s *session.Session, logger *log.Logger) *Server {
	return &Server{
		sess: s,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		deviceID := s.handshake(r, conn)
		if deviceID == "" {
			return
		}

		// Reader loop: SAMPLE frames only; anything else is ignored.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeSample {
				continue
			}
			var sample protocol.SampleMsg
			if err := json.Unmarshal(msg, &sample); err != nil {
				continue
			}
			if sample.ProtocolVersion != protocol.Version || sample.DeviceID != deviceID {
				continue
			}
			if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
				// Treated as absent; the ack tells the client why.
				writeJSON(conn, protocol.AckMsg{
					Type:            protocol.TypeAck,
					ProtocolVersion: protocol.Version,
					AckFor:          protocol.TypeSample,
					Accepted:        false,
					Code:            protocol.ErrBadSample,
				})
				continue
			}
			select {
			case s.sess.Samples() <- session.SampleEnvelope{
				DeviceID: deviceID,
				Value:    sample.Value,
				At:       time.Now(),
			}:
			default:
				// Buffer full; the next sample supersedes this one anyway.
			}
		}
	}
}

func (s *Server) handshake(r *http.Request, conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return ""
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return ""
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return ""
	}

	participantID, code, err := s.sess.RequestHello(r.Context(), hello)
	if err != nil {
		writeJSON(conn, protocol.AckMsg{
			Type:            protocol.TypeAck,
			ProtocolVersion: protocol.Version,
			AckFor:          protocol.TypeHello,
			Accepted:        false,
			Code:            code,
			Message:         err.Error(),
		})
		return ""
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       s.sess.ID(),
		DeviceID:        hello.DeviceID,
		ParticipantID:   participantID,
		TickIntervalMs:  int(s.sess.TickInterval().Milliseconds()),
		ZonesDigest:     s.sess.ZonesDigest(),
	}
	if !writeJSON(conn, welcome) {
		return ""
	}
	return hello.DeviceID
}

func writeJSON(conn *websocket.Conn, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b) == nil
}
