// Package ws serves session frames to browser and remote observers. Every
// binary WebSocket message carries exactly one protocol frame.
package ws

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"gridwalk.ai/internal/protocol"
	"gridwalk.ai/internal/session"
	"gridwalk.ai/internal/sim/tuning"
)

type Server struct {
	sess *session.Session
	log  *log.Logger

	handshakeTimeout time.Duration
	maxPayload       uint32

	upgrader websocket.Upgrader
}

func NewServer(sess *session.Session, tune tuning.Tuning, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		sess:             sess,
		log:              logger,
		handshakeTimeout: tune.HandshakeTimeout(),
		maxPayload:       uint32(protocol.ConfigSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
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
		wc := &wsConn{c: conn, addr: "ws:" + r.RemoteAddr}

		o, err := s.sess.Handshake(wc, func() (protocol.Frame, error) {
			_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
			return s.readFrame(conn)
		})
		if err != nil {
			s.log.Printf("ws observer %s rejected: %v", r.RemoteAddr, err)
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		// Nothing after the handshake means anything; reading only detects the close.
		var reason error
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					reason = err
				}
				break
			}
		}
		s.sess.Hub().Remove(o, reason)
	}
}

func (s *Server) readFrame(conn *websocket.Conn) (protocol.Frame, error) {
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	if mt != websocket.BinaryMessage {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "expected binary frame"), time.Now().Add(time.Second))
		return protocol.Frame{}, errors.New("text message in handshake")
	}
	f, err := protocol.DecodeFrame(msg, s.maxPayload)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad frame"), time.Now().Add(time.Second))
		return protocol.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

type wsConn struct {
	c    *websocket.Conn
	addr string
}

func (w *wsConn) WriteFrame(frame []byte, deadline time.Time) error {
	_ = w.c.SetWriteDeadline(deadline)
	return w.c.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *wsConn) Close() error       { return w.c.Close() }
func (w *wsConn) RemoteAddr() string { return w.addr }

// Dial connects an observer to a /v1/observe endpoint. It is used by the
// reference client and tests.
func Dial(url string, timeout time.Duration) (*ClientConn, error) {
	d := websocket.Dialer{HandshakeTimeout: timeout}
	c, _, err := d.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &ClientConn{c: c}, nil
}

type ClientConn struct {
	c *websocket.Conn
}

func (c *ClientConn) Send(typ uint32, payload []byte) error {
	_ = c.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.c.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(typ, payload))
}

func (c *ClientConn) Recv() (protocol.Frame, error) {
	mt, msg, err := c.c.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	if mt != websocket.BinaryMessage {
		return protocol.Frame{}, fmt.Errorf("unexpected message type %d", mt)
	}
	return protocol.DecodeFrame(msg, 0)
}

func (c *ClientConn) Close() error {
	_ = c.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.c.Close()
}
