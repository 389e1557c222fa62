package orchestrator

import (
	"errors"
	"fmt"
)

const maxPort = 65535

// ErrPortsExhausted is returned when the allocator has handed out every
// port up to 65535.
var ErrPortsExhausted = errors.New("orchestrator: port range exhausted") //nolint:gochecknoglobals // sentinel error

// portAllocator hands out ports monotonically from base. Released ports are
// not reused until Reset; a long-lived process that starts and stops clouds
// many times walks up the range. Callers hold Orchestrator.mu.
type portAllocator struct {
	base int
	next int
}

func newPortAllocator(base int) *portAllocator {
	return &portAllocator{base: base, next: base}
}

func (p *portAllocator) Next() (int, error) {
	if p.next > maxPort {
		return 0, fmt.Errorf("orchestrator.portAllocator.Next: %w", ErrPortsExhausted)
	}
	port := p.next
	p.next++
	return port, nil
}

// Rollback returns port to the allocator if it was the last one handed out.
func (p *portAllocator) Rollback(port int) {
	if port == p.next-1 && port >= p.base {
		p.next = port
	}
}

func (p *portAllocator) Reset() {
	p.next = p.base
}

// Peek reports the port the next call to Next would return.
func (p *portAllocator) Peek() int {
	return p.next
}
