package transport

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// SerialConfig configures a serial connection to the controller, matching
// original_source's SerialConfig: device path and baud rate, plus a read
// timeout used the same way DialTCP uses ReadTimeout.
type SerialConfig struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

type serialTransport struct {
	port serial.Port
	lr   lineReader
	mu   sync.Mutex
}

// OpenSerial opens the configured serial device, grounded on
// other_examples' GRBL-HAL shell spooler (go.bug.st/serial.v1) and on
// original_source/src/connection.rs's Connection::serial.
func OpenSerial(cfg SerialConfig) (Transport, error) {
	mode := &serial.Mode{BaudRate: cfg.BaudRate}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", cfg.Port)
	}
	if cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
			_ = port.Close()
			return nil, errors.Wrapf(err, "failed to set read timeout on %s", cfg.Port)
		}
	}
	return &serialTransport{port: port, lr: newLineReader(port)}, nil
}

func (t *serialTransport) ReadLine() (string, error) {
	var partial string
	for {
		line, err := t.lr.readLine()
		if err == nil {
			return partial + line, nil
		}
		// go.bug.st/serial surfaces a read-timeout as a zero-byte read
		// with a nil error; after enough of those in a row bufio gives up
		// with io.ErrNoProgress. That, and any error reporting Timeout(),
		// means "no data yet" and is retried the same as TCP's WouldBlock,
		// keeping whatever part of the line was already read.
		if isTimeout(err) || err == io.ErrNoProgress {
			partial += line
			continue
		}
		return partial + line, err
	}
}

func (t *serialTransport) WriteRaw(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.port.Write(b)
	return err
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}
