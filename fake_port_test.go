package so_tracker

import (
	"sync"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
)

// fakeServoPort answers instruction packets the way a chain of STS servos would.
// Goal writes land on the present position immediately, so every move finishes at once.
type fakeServoPort struct {
	mu       sync.Mutex
	regs     map[byte]*[256]byte
	pending  []byte
	packets  []Packet
	dropPing map[byte]int
	closed   bool
}

func newFakeServoPort(ids ...int) *fakeServoPort {
	p := &fakeServoPort{
		regs:     make(map[byte]*[256]byte),
		dropPing: make(map[byte]int),
	}
	for _, id := range ids {
		p.regs[byte(id)] = &[256]byte{}
		p.setPosition(id, CenterPosition)
		p.regs[byte(id)][RegPresentVoltage] = 120
		p.regs[byte(id)][RegPresentTemp] = 35
	}
	return p
}

func (p *fakeServoPort) setPosition(id, pos int) {
	regs := p.regs[byte(id)]
	regs[RegPresentPos] = byte(pos & 0xFF)
	regs[RegPresentPos+1] = byte(pos >> 8)
}

func (p *fakeServoPort) setReg(id int, reg byte, v byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs[byte(id)][reg] = v
}

func (p *fakeServoPort) reg(id int, reg byte) byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regs[byte(id)][reg]
}

func (p *fakeServoPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakeServoPort) sent() []Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Packet(nil), p.packets...)
}

func (p *fakeServoPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pkt, err := DecodePacket(b)
	if err != nil {
		return 0, err
	}
	p.packets = append(p.packets, pkt)

	regs, ok := p.regs[pkt.ID]
	if !ok {
		return len(b), nil
	}
	switch pkt.Instruction {
	case InstPing:
		if p.dropPing[pkt.ID] > 0 {
			p.dropPing[pkt.ID]--
			return len(b), nil
		}
		p.pending = append(p.pending, EncodeStatus(pkt.ID, 0, nil)...)
	case InstRead:
		reg, n := pkt.Params[0], int(pkt.Params[1])
		p.pending = append(p.pending, EncodeStatus(pkt.ID, 0, regs[int(reg):int(reg)+n])...)
	case InstWrite:
		reg := pkt.Params[0]
		copy(regs[int(reg):], pkt.Params[1:])
		if reg == RegGoalPosition {
			regs[RegPresentPos] = pkt.Params[1]
			regs[RegPresentPos+1] = pkt.Params[2]
		}
	}
	return len(b), nil
}

// Read returns 0, nil when nothing is queued, like go.bug.st/serial after its timeout.
func (p *fakeServoPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakeServoPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeServoPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	return nil
}

func (p *fakeServoPort) SetReadTimeout(t time.Duration) error { return nil }

func testBusConfig(t *testing.T, port string) BusConfig {
	return BusConfig{
		Port:            port,
		Baudrate:        defaultBaudrate,
		Timeout:         50 * time.Millisecond,
		PingRetries:     3,
		DisconnectAfter: 3,
		Logger:          logging.NewTestLogger(t),
	}
}

func newTestBus(t *testing.T, ids ...int) (*Bus, *fakeServoPort) {
	t.Helper()
	port := newFakeServoPort(ids...)
	bus, err := NewBusWithPort(port, testBusConfig(t, "/dev/ttyUSB0"))
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	return bus, port
}
