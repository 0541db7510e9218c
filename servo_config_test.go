package so_tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func TestConfigureJoints(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("leaves limits alone by default", func(t *testing.T) {
		bus, port := newTestBus(t, JointIDs...)
		port.setReg(JointBase, RegMaxPosition, 0x10)

		require.NoError(t, configureJoints(context.Background(), bus, false, logger))
		assert.Equal(t, byte(0x10), port.reg(JointBase, RegMaxPosition))
	})

	t.Run("clears limits on request", func(t *testing.T) {
		bus, port := newTestBus(t, JointIDs...)
		port.setReg(JointElbow, RegMinPosition, 0x20)

		require.NoError(t, configureJoints(context.Background(), bus, true, logger))
		for _, id := range JointIDs {
			assert.Equal(t, byte(0), port.reg(id, RegMinPosition))
			assert.Equal(t, byte(MaxPosition&0xFF), port.reg(id, RegMaxPosition))
		}
	})

	t.Run("reports silent joints and keeps going", func(t *testing.T) {
		bus, port := newTestBus(t, JointBase, JointShoulder, JointWrist)

		err := configureJoints(context.Background(), bus, true, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "servo 3")
		assert.Equal(t, byte(MaxPosition>>8), port.reg(JointWrist, RegMaxPosition+1))
	})

	t.Run("stops on cancel", func(t *testing.T) {
		bus, _ := newTestBus(t, JointIDs...)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, configureJoints(ctx, bus, false, logger), context.Canceled)
	})
}
