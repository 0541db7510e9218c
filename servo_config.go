package so_tracker

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

// jointConfigurer is the part of the bus startup configuration writes to.
type jointConfigurer interface {
	Ping(ctx context.Context, id int) error
	ClearPositionLimits(id int) error
}

// configureJoints checks each joint answers and, when asked, clears its factory travel limits
// so the soft limits are the only authority. Failures are per joint and never fatal.
func configureJoints(ctx context.Context, bus jointConfigurer, clearLimits bool, logger logging.Logger) error {
	var errs error
	for _, id := range JointIDs {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := bus.Ping(ctx, id); err != nil {
			logger.Warnf("joint %d did not answer ping: %v", id, err)
			errs = multierr.Append(errs, err)
			continue
		}
		logger.Debugf("joint %d responded to ping", id)

		if clearLimits {
			if err := bus.ClearPositionLimits(id); err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "joint %d", id))
				continue
			}
			logger.Infof("joint %d hardware limits cleared (0-%d)", id, MaxPosition)
		}
	}
	return errs
}
