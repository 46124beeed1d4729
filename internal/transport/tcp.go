package transport

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// TCPConfig configures a TCP connection to the controller, matching
// original_source's TcpConfig (config.rs): address/port and a connect
// timeout.
type TCPConfig struct {
	Address        string
	Port           int
	ConnectTimeout time.Duration
	// ReadTimeout is the read deadline set before each read attempt; a
	// read that times out is retried inside ReadLine, the equivalent of
	// the original's WouldBlock. Zero selects pollInterval.
	ReadTimeout time.Duration
}

type tcpTransport struct {
	conn        net.Conn
	lr          lineReader
	readTimeout time.Duration

	mu sync.Mutex // serializes writes only; reads happen on a dedicated goroutine
}

// DialTCP opens a non-blocking-equivalent TCP connection to the controller.
// Go's net.Conn has no WouldBlock mode; SetReadDeadline plus checking
// net.Error.Timeout() on each ReadLine call plays the same role as the
// original's stream.set_nonblocking(true) + io::ErrorKind::WouldBlock.
func DialTCP(cfg TCPConfig) (Transport, error) {
	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, cfg.ConnectTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open TCP connection to %s", addr)
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = pollInterval
	}
	return &tcpTransport{conn: conn, lr: newLineReader(conn), readTimeout: readTimeout}, nil
}

func (t *tcpTransport) ReadLine() (string, error) {
	var partial string
	for {
		if rt, ok := t.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = rt.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		line, err := t.lr.readLine()
		if err == nil {
			return partial + line, nil
		}
		if isTimeout(err) {
			partial += line
			continue
		}
		return partial + line, err
	}
}

func (t *tcpTransport) WriteRaw(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.conn.Write(b)
	return err
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}
