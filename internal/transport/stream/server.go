// Package stream accepts observers on a unix or tcp socket. Frames go over the
// connection back to back with no further framing.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"gridwalk.ai/internal/protocol"
	"gridwalk.ai/internal/session"
	"gridwalk.ai/internal/sim/tuning"
)

// Listen opens the session endpoint. A stale unix socket file left by a
// previous process is removed first.
func Listen(network, addr string) (net.Listener, error) {
	if network == "unix" {
		if fi, err := os.Lstat(addr); err == nil && fi.Mode()&os.ModeSocket != 0 {
			if c, err := net.DialTimeout("unix", addr, 200*time.Millisecond); err == nil {
				_ = c.Close()
				return nil, fmt.Errorf("socket %s is in use", addr)
			}
			_ = os.Remove(addr)
		}
	}
	return net.Listen(network, addr)
}

type Server struct {
	sess   *session.Session
	logger *log.Logger

	handshakeTimeout time.Duration
	maxPayload       uint32

	wg sync.WaitGroup
}

func NewServer(sess *session.Session, tune tuning.Tuning, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		sess:             sess,
		logger:           logger,
		handshakeTimeout: tune.HandshakeTimeout(),
		maxPayload:       uint32(protocol.ConfigSize),
	}
}

// Serve accepts connections until ctx is done, then closes ln and waits for the
// per-connection goroutines. It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var err error
	for {
		c, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil {
				err = fmt.Errorf("accept: %w", aerr)
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(c)
		}()
	}
	s.sess.Hub().Close()
	s.wg.Wait()
	return err
}

func (s *Server) handle(c net.Conn) {
	sc := &streamConn{Conn: c, addr: remoteAddr(c)}
	o, err := s.sess.Handshake(sc, func() (protocol.Frame, error) {
		_ = c.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
		return protocol.ReadFrame(c, s.maxPayload)
	})
	if err != nil {
		s.logger.Printf("observer %s rejected: %v", sc.addr, err)
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	s.logger.Printf("observer %d attached (%s)", o.ID, sc.addr)

	// Later frames, including a late CONFIG, are read and dropped so a
	// disconnect is noticed.
	var reason error
	for {
		if _, err := protocol.ReadFrame(c, s.maxPayload); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				reason = err
			}
			break
		}
	}
	s.sess.Hub().Remove(o, reason)
}

type streamConn struct {
	net.Conn
	addr string
}

func (c *streamConn) WriteFrame(frame []byte, deadline time.Time) error {
	_ = c.SetWriteDeadline(deadline)
	_, err := c.Write(frame)
	return err
}

func (c *streamConn) RemoteAddr() string { return c.addr }

func remoteAddr(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil && a.String() != "" {
		return a.Network() + ":" + a.String()
	}
	return c.LocalAddr().Network() + ":" + c.LocalAddr().String()
}
