package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsListener implements net.Listener over the "mqtt" WebSocket subprotocol.
type wsListener struct {
	connCh    chan net.Conn
	errCh     chan error
	closeOnce sync.Once
	closeCh   chan struct{}
	server    *http.Server
	upgrader  websocket.Upgrader
}

func newWSListener(addr string, tlsConfig *tls.Config) (*wsListener, error) {
	l := &wsListener{
		connCh:  make(chan net.Conn, 100),
		errCh:   make(chan error, 1),
		closeCh: make(chan struct{}),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleWS)
	mux.HandleFunc("/mqtt", l.handleWS)
	l.server = &http.Server{Addr: addr, Handler: mux, TLSConfig: tlsConfig}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case l.errCh <- err:
			default:
			}
		}
	}()

	return l, nil
}

func (l *wsListener) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{ws: ws}
	select {
	case l.connCh <- c:
	case <-l.closeCh:
		c.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case err := <-l.errCh:
		return nil, err
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.server.Close()
	})
	return nil
}

func (l *wsListener) Addr() net.Addr {
	return &net.TCPAddr{Port: 0}
}

func dialWebSocket(ctx context.Context, urlStr string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:    []string{"mqtt"},
		TLSClientConfig: tlsConfig,
	}
	ws, _, err := dialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a *websocket.Conn, whose unit of I/O is a whole message, to
// the net.Conn stream interface the codec's Parser expects: partial reads
// of one message are buffered and drained before the next ReadMessage call.
type wsConn struct {
	ws      *websocket.Conn
	reader  *wsReadBuf
	writeMu sync.Mutex
}

type wsReadBuf struct {
	data []byte
	pos  int
}

func (c *wsConn) Read(b []byte) (int, error) {
	if c.reader != nil && c.reader.pos < len(c.reader.data) {
		n := copy(b, c.reader.data[c.reader.pos:])
		c.reader.pos += n
		if c.reader.pos >= len(c.reader.data) {
			c.reader = nil
		}
		return n, nil
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, err
	}
	n := copy(b, data)
	if n < len(data) {
		c.reader = &wsReadBuf{data: data, pos: n}
	}
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

var _ net.Conn = (*wsConn)(nil)
