package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	soTracker "so_tracker"
)

// positionOnlyPort answers position reads and ignores every other request.
type positionOnlyPort struct {
	pending []byte
}

func (p *positionOnlyPort) Write(b []byte) (int, error) {
	pkt, err := soTracker.DecodePacket(b)
	if err != nil {
		return 0, err
	}
	if pkt.Instruction == soTracker.InstRead && pkt.Params[0] == soTracker.RegPresentPos {
		p.pending = append(p.pending, soTracker.EncodeStatus(pkt.ID, 0, []byte{0x00, 0x08})...)
	}
	return len(b), nil
}

func (p *positionOnlyPort) Read(b []byte) (int, error) {
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *positionOnlyPort) ResetInputBuffer() error {
	p.pending = nil
	return nil
}

func (p *positionOnlyPort) Close() error                         { return nil }
func (p *positionOnlyPort) SetReadTimeout(t time.Duration) error { return nil }

func TestJointReportMarksFailedReadsUnknown(t *testing.T) {
	cfg := soTracker.DefaultBusConfig("/dev/ttyUSB0")
	cfg.Timeout = 20 * time.Millisecond
	cfg.WriteDelay = 0
	cfg.Logger = logging.NewTestLogger(t)
	bus, err := soTracker.NewBusWithPort(&positionOnlyPort{}, cfg)
	require.NoError(t, err)

	report, err := jointReport(bus, 1)
	require.NoError(t, err)
	assert.Equal(t, "joint 1: position=2048 voltage=unknown temp=unknown moving=unknown faults=unknown", report)
	assert.NotContains(t, report, "0.0V")

	_, err = jointReport(bus, 2)
	assert.Error(t, err)
}
