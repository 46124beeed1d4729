// Package iopump bridges a transport.Transport to the protocol core (spec
// §4.C): it runs the reader worker that drains the transport into a Message
// channel, and provides the write helpers the writer worker — the
// flow-control scheduler, which drains its own Command channel — uses.
//
// Grounded on the teacher's services/hal/internal/uartio/uart_worker.go
// (line-accumulation reader goroutine feeding an output channel) and on
// other_examples' GRBL-HAL shell spooler, which runs the identical
// reader/writer goroutine split over a real serial port.
package iopump

import (
	"io"

	"github.com/sirupsen/logrus"

	"cnc-ctrl/internal/protocol"
	"cnc-ctrl/internal/transport"
)

// Pump owns the reader goroutine and exposes the channel it publishes to.
// The writer side is not a separate goroutine here: the flow-control
// scheduler (internal/scheduler) *is* the writer worker, since spec §4.D
// requires the writer to own pending/inflight/buffered exclusively and to
// block on the reader channel when out of buffer space — splitting a
// distinct "writer worker" on top would just be an extra hop.
type Pump struct {
	transport transport.Transport
	messages  chan protocol.Message
	log       *logrus.Entry
}

// New starts the reader worker immediately. The message channel has a fixed
// buffer of 64 Messages and is not unbounded: once it is full, the reader
// blocks until the scheduler takes a Message off it.
func New(t transport.Transport, log *logrus.Entry) *Pump {
	p := &Pump{
		transport: t,
		messages:  make(chan protocol.Message, 64),
		log:       log,
	}
	go p.readLoop()
	return p
}

// Messages returns the channel the reader worker publishes parsed Messages
// to. Closed when the reader worker terminates (EOF or non-transient
// error).
func (p *Pump) Messages() <-chan protocol.Message {
	return p.messages
}

func (p *Pump) readLoop() {
	defer close(p.messages)
	for {
		line, err := p.transport.ReadLine()
		if err != nil {
			if err == io.EOF {
				p.log.Warn("transport closed by peer (EOF)")
			} else {
				p.log.WithError(err).Warn("transport read error, reader worker stopping")
			}
			return
		}

		msg, perr := protocol.Parse(line)
		if perr != nil {
			p.log.WithError(perr).WithField("line", line).Warn("codec parse error, surfacing as unknown")
			msg = protocol.Message{Kind: protocol.MessageUnknown, Raw: line}
		}
		p.messages <- msg
	}
}

// WriteRealtime writes a single realtime byte raw, with no terminator, and
// flushes immediately (spec §4.D: "writer must flush after each write").
func (p *Pump) WriteRealtime(b protocol.RealtimeByte) error {
	return p.transport.WriteRaw([]byte{byte(b)})
}

// WriteBlock writes a Block's line terminated by a single '\n'.
func (p *Pump) WriteBlock(line string) error {
	return p.transport.WriteRaw(append([]byte(line), '\n'))
}

// Close closes the underlying transport, causing the reader worker to
// observe EOF/error and terminate.
func (p *Pump) Close() error {
	return p.transport.Close()
}
