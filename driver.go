package so_tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// PositionUnknown is returned by ReadPosition when the servo did not answer with a valid packet.
const PositionUnknown = -1

var (
	ErrBusClosed   = errors.New("servo bus is closed")
	ErrReadTimeout = errors.New("timed out waiting for servo response")
)

// Health summarises recent transport results on a bus.
type Health string

const (
	HealthOK           Health = "ok"
	HealthDegraded     Health = "degraded"
	HealthDisconnected Health = "disconnected"
)

type BusConfig struct {
	Port     string
	Baudrate int

	// Timeout bounds how long a read waits for the full response.
	Timeout time.Duration
	// WriteDelay is slept after every write that expects no response.
	WriteDelay time.Duration

	PingRetries int
	PingBackoff time.Duration

	// DisconnectAfter consecutive transport failures report HealthDisconnected.
	DisconnectAfter int

	Logger logging.Logger
}

// DefaultBusConfig returns the timings the STS3215 is happy with at 1 Mbaud.
func DefaultBusConfig(port string) BusConfig {
	return BusConfig{
		Port:            port,
		Baudrate:        defaultBaudrate,
		Timeout:         500 * time.Millisecond,
		WriteDelay:      10 * time.Millisecond,
		PingRetries:     3,
		PingBackoff:     100 * time.Millisecond,
		DisconnectAfter: 10,
	}
}

// Bus talks to Feetech STS servos over one half-duplex serial link.
// Every request/response pair holds mu, so only one request is ever outstanding.
type Bus struct {
	mu     sync.Mutex
	port   SerialPort
	cfg    BusConfig
	logger logging.Logger
	closed bool

	failures atomic.Int64
}

// NewBus opens cfg.Port with open and wraps it.
func NewBus(cfg BusConfig, open PortOpener) (*Bus, error) {
	if open == nil {
		open = OpenSerialPort
	}
	port, err := open(cfg.Port, cfg.Baudrate)
	if err != nil {
		return nil, err
	}
	return NewBusWithPort(port, cfg)
}

// NewBusWithPort wraps an already open port.
func NewBusWithPort(port SerialPort, cfg BusConfig) (*Bus, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.PingRetries == 0 {
		cfg.PingRetries = 3
	}
	if cfg.DisconnectAfter == 0 {
		cfg.DisconnectAfter = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("sts-bus")
	}
	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		return nil, errors.Wrap(err, "failed to set read timeout")
	}
	return &Bus{port: port, cfg: cfg, logger: cfg.Logger}, nil
}

// Close releases the serial port. Further calls return ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.port.Close()
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Health reports the transport state derived from consecutive failures.
func (b *Bus) Health() Health {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	failures := b.failures.Load()
	switch {
	case closed || failures >= int64(b.cfg.DisconnectAfter):
		return HealthDisconnected
	case failures > 0:
		return HealthDegraded
	default:
		return HealthOK
	}
}

// record updates the failure streak. Only a validated response clears it; writes are never acknowledged.
func (b *Bus) record(err error, answered bool) {
	switch {
	case err != nil:
		b.failures.Add(1)
	case answered:
		b.failures.Store(0)
	}
}

// transact sends pkt and, when respParams >= 0, reads a status packet with that many params.
// Callers hold b.mu.
func (b *Bus) transact(pkt Packet, respParams int) (StatusPacket, error) {
	if b.closed {
		return StatusPacket{}, ErrBusClosed
	}
	if err := b.port.ResetInputBuffer(); err != nil {
		return StatusPacket{}, errors.Wrap(err, "failed to reset input buffer")
	}
	if _, err := b.port.Write(pkt.Encode()); err != nil {
		return StatusPacket{}, errors.Wrapf(err, "failed to write to servo %d", pkt.ID)
	}
	if respParams < 0 {
		if b.cfg.WriteDelay > 0 {
			time.Sleep(b.cfg.WriteDelay)
		}
		return StatusPacket{}, nil
	}

	buf, err := b.readFull(statusOverhead + respParams)
	if err != nil {
		return StatusPacket{}, errors.Wrapf(err, "servo %d", pkt.ID)
	}
	status, err := DecodeStatus(buf, respParams)
	if err != nil {
		return StatusPacket{}, errors.Wrapf(err, "servo %d", pkt.ID)
	}
	if status.ID != pkt.ID {
		return StatusPacket{}, errors.Errorf("response from servo %d, expected %d", status.ID, pkt.ID)
	}
	return status, nil
}

func (b *Bus) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	deadline := time.Now().Add(b.cfg.Timeout)
	got := 0
	for got < n {
		k, err := b.port.Read(buf[got:])
		if err != nil {
			return nil, errors.Wrap(err, "serial read failed")
		}
		// go.bug.st/serial returns 0, nil once the read timeout elapses
		if k == 0 || time.Now().After(deadline) {
			return nil, errors.Wrapf(ErrReadTimeout, "got %d of %d bytes", got, n)
		}
		got += k
	}
	return buf, nil
}

// Ping checks that servo id answers, retrying with backoff.
func (b *Bus) Ping(ctx context.Context, id int) error {
	var lastErr error
	for attempt := 0; attempt < b.cfg.PingRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.mu.Lock()
		_, lastErr = b.transact(Packet{ID: byte(id), Instruction: InstPing}, 0)
		b.mu.Unlock()
		b.record(lastErr, true)
		if lastErr == nil {
			return nil
		}
		b.logger.Debugf("ping servo %d attempt %d failed: %v", id, attempt+1, lastErr)
		if b.cfg.PingBackoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.cfg.PingBackoff):
			}
		}
	}
	return errors.Wrapf(lastErr, "servo %d did not answer ping", id)
}

// PingAll pings each id and returns the per-servo result; nil means the servo answered.
func (b *Bus) PingAll(ctx context.Context, ids []int) map[int]error {
	results := make(map[int]error, len(ids))
	for _, id := range ids {
		results[id] = b.Ping(ctx, id)
	}
	return results
}

// Write stores data at reg. No acknowledgement is awaited.
func (b *Bus) Write(id int, reg byte, data []byte) error {
	params := append([]byte{reg}, data...)
	b.mu.Lock()
	_, err := b.transact(Packet{ID: byte(id), Instruction: InstWrite, Params: params}, -1)
	b.mu.Unlock()
	b.record(err, false)
	return err
}

// Read returns n bytes starting at reg.
func (b *Bus) Read(id int, reg byte, n int) ([]byte, error) {
	b.mu.Lock()
	status, err := b.transact(Packet{ID: byte(id), Instruction: InstRead, Params: []byte{reg, byte(n)}}, n)
	b.mu.Unlock()
	b.record(err, true)
	if err != nil {
		return nil, err
	}
	return status.Params, nil
}

func (b *Bus) SetTorque(id int, enable bool) error {
	var v byte
	if enable {
		v = 1
	}
	return errors.Wrap(b.Write(id, RegTorqueEnable, []byte{v}), "set torque")
}

// CalibrateCenter makes the servo's current pose read as 2048 from now on.
func (b *Bus) CalibrateCenter(id int) error {
	return errors.Wrap(b.Write(id, RegTorqueEnable, []byte{torqueCenterCalibrate}), "calibrate center")
}

// ClearPositionLimits widens the servo's own travel limits to 0..4095.
func (b *Bus) ClearPositionLimits(id int) error {
	if err := b.Write(id, RegMinPosition, le16(0)); err != nil {
		return errors.Wrap(err, "clear min position")
	}
	return errors.Wrap(b.Write(id, RegMaxPosition, le16(MaxPosition)), "clear max position")
}

// SetGoal writes goal position, time and speed as one burst.
func (b *Bus) SetGoal(id, position, moveTime, speed int) error {
	data := make([]byte, 0, 6)
	data = append(data, le16(clampInt(position, 0, MaxPosition))...)
	data = append(data, le16(clampInt(moveTime, 0, MaxMoveTime))...)
	data = append(data, le16(clampInt(speed, 0, MaxSpeed))...)
	return errors.Wrap(b.Write(id, RegGoalPosition, data), "set goal")
}

// ReadPosition returns the present position, or PositionUnknown with the cause.
func (b *Bus) ReadPosition(id int) (int, error) {
	data, err := b.Read(id, RegPresentPos, 2)
	if err != nil {
		return PositionUnknown, errors.Wrap(err, "read position")
	}
	return int(data[0]) | int(data[1])<<8, nil
}

// ReadVoltage returns the supply voltage in volts.
func (b *Bus) ReadVoltage(id int) (float64, error) {
	data, err := b.Read(id, RegPresentVoltage, 1)
	if err != nil {
		return 0, errors.Wrap(err, "read voltage")
	}
	return float64(data[0]) / 10, nil
}

// ReadTemperature returns degrees Celsius.
func (b *Bus) ReadTemperature(id int) (int, error) {
	data, err := b.Read(id, RegPresentTemp, 1)
	if err != nil {
		return 0, errors.Wrap(err, "read temperature")
	}
	return int(data[0]), nil
}

func (b *Bus) ReadStatus(id int) (ServoStatus, error) {
	data, err := b.Read(id, RegServoStatus, 1)
	if err != nil {
		return 0, errors.Wrap(err, "read status")
	}
	return ServoStatus(data[0]), nil
}

func (b *Bus) Moving(id int) (bool, error) {
	data, err := b.Read(id, RegMovingFlag, 1)
	if err != nil {
		return false, errors.Wrap(err, "read moving flag")
	}
	return data[0] != 0, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
