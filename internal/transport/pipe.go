package transport

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// Pipe is an in-memory Transport for tests, standing in for a real
// controller: writes via WriteRaw land in Written (inspectable by the
// test), and lines queued with Feed are what ReadLine returns. Grounded in
// the teacher's fakeIRQPin test double
// (services/hal/internal/gpioirq/irq_worker_test.go), adapted from a GPIO
// pin fake to a byte-stream fake.
type Pipe struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []string
	closed  bool
	Written []byte
}

// NewPipe creates an empty Pipe.
func NewPipe() *Pipe {
	p := &Pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Feed enqueues a line (without trailing newline) to be returned by a
// future ReadLine call.
func (p *Pipe) Feed(line string) {
	p.mu.Lock()
	p.queue = append(p.queue, line)
	p.cond.Signal()
	p.mu.Unlock()
}

// CloseRead causes a pending or future ReadLine to return io.EOF once the
// queue drains, simulating the controller closing the connection.
func (p *Pipe) CloseRead() {
	p.mu.Lock()
	p.closed = true
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *Pipe) ReadLine() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return "", io.EOF
	}
	line := p.queue[0]
	p.queue = p.queue[1:]
	return line, nil
}

func (p *Pipe) WriteRaw(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Written = append(p.Written, b...)
	return nil
}

func (p *Pipe) Close() error {
	p.CloseRead()
	return nil
}

// WrittenLines splits Written on '\n' for assertions, discarding the final
// empty trailer. Realtime bytes that are not followed by '\n' show up
// fused onto the following block's line (or as a trailing partial line),
// which is intentional: it is what a real wire capture would show, and
// tests that care about exact byte interleaving should inspect Written
// directly instead.
func (p *Pipe) WrittenLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	sc := bufio.NewScanner(bytes.NewReader(p.Written))
	var out []string
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}
