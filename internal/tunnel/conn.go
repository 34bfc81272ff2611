package tunnel

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

const (
	wsBufferSize       = 32 * 1024
	wsHandshakeTimeout = 10 * time.Second
	maxWSMessageSize   = 16 * 1024 * 1024
	localDialTimeout   = 10 * time.Second
)

// wsConn adapts a websocket connection to net.Conn so yamux can
// multiplex streams over it. Writes are serialized; reads drain one
// binary message at a time.
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader
	mu     sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(maxWSMessageSize)
	return &wsConn{conn: conn}
}

func (w *wsConn) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if w.reader == nil {
		_, w.reader, err = w.conn.NextReader()
		if err != nil {
			return 0, err
		}
	}
	n, err = w.reader.Read(p)
	if err == io.EOF {
		w.reader = nil
		err = nil
	}
	return n, err
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error                       { return w.conn.Close() }
func (w *wsConn) LocalAddr() net.Addr                { return w.conn.LocalAddr() }
func (w *wsConn) RemoteAddr() net.Addr               { return w.conn.RemoteAddr() }
func (w *wsConn) SetDeadline(t time.Time) error      { return nil }
func (w *wsConn) SetReadDeadline(t time.Time) error  { return w.conn.SetReadDeadline(t) }
func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }

func yamuxConfig() *yamux.Config {
	config := yamux.DefaultConfig()
	config.MaxStreamWindowSize = 4 * 1024 * 1024
	config.AcceptBacklog = 512
	config.EnableKeepAlive = true
	config.KeepAliveInterval = 30 * time.Second
	config.LogOutput = io.Discard
	return config
}

// serveSession accepts multiplexed streams and proxies each to the
// local server. Returns when the session closes.
func serveSession(session *yamux.Session, localAddr string) {
	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		go proxyStream(stream, localAddr)
	}
}

func proxyStream(stream net.Conn, localAddr string) {
	defer stream.Close()

	local, err := net.DialTimeout("tcp", localAddr, localDialTimeout)
	if err != nil {
		stream.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\nFailed to reach local server"))
		return
	}
	defer local.Close()

	if tcpConn, ok := local.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(local, stream)
		if tc, ok := local.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(stream, local)
		done <- struct{}{}
	}()

	<-done
	local.Close()
	stream.Close()
	<-done
}
