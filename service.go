package so_tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
	"go.viam.com/utils"
)

var TrackerModel = resource.NewModel("devrel", "sts-tracker", "tracker")

func init() {
	resource.RegisterService(genericservice.API, TrackerModel,
		resource.Registration[resource.Resource, *TrackerServiceConfig]{
			Constructor: newTrackerService,
		},
	)
}

// TrackerServiceConfig configures the person tracker on one serial port.
type TrackerServiceConfig struct {
	Port     string        `json:"port"`
	Baudrate int           `json:"baudrate,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	CalibrationFile string `json:"calibration_file,omitempty"`

	// ClearHardwareLimits widens the servos' own travel limits so only the soft limits apply.
	ClearHardwareLimits bool `json:"clear_hardware_limits,omitempty"`
	// SkipStartup leaves the arm where it is instead of centring it on construction.
	SkipStartup bool `json:"skip_startup,omitempty"`

	SwitchIntervalSec   float64 `json:"switch_interval_sec,omitempty"`
	MinPersonConfidence float64 `json:"min_person_confidence,omitempty"`

	// MoveTimeoutSec bounds each wait for a joint to stop during startup and shutdown.
	MoveTimeoutSec float64 `json:"move_timeout_sec,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *TrackerServiceConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		return nil, nil, fmt.Errorf("must specify port for serial communication")
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate = defaultBaudrate
	}
	if cfg.SwitchIntervalSec < 0 {
		return nil, nil, fmt.Errorf("switch_interval_sec must not be negative, got %v", cfg.SwitchIntervalSec)
	}
	if cfg.MoveTimeoutSec < 0 {
		return nil, nil, fmt.Errorf("move_timeout_sec must not be negative, got %v", cfg.MoveTimeoutSec)
	}
	if cfg.MinPersonConfidence < 0 || cfg.MinPersonConfidence > 1 {
		return nil, nil, fmt.Errorf("min_person_confidence must be within 0-1, got %v", cfg.MinPersonConfidence)
	}
	return nil, nil, nil
}

func (cfg *TrackerServiceConfig) busConfig(logger logging.Logger) BusConfig {
	busCfg := DefaultBusConfig(cfg.Port)
	if cfg.Baudrate != 0 {
		busCfg.Baudrate = cfg.Baudrate
	}
	if cfg.Timeout != 0 {
		busCfg.Timeout = cfg.Timeout
	}
	busCfg.Logger = logger
	return busCfg
}

func (cfg *TrackerServiceConfig) trackerConfig() TrackerConfig {
	tc := DefaultTrackerConfig()
	if cfg.SwitchIntervalSec > 0 {
		tc.Selector.SwitchInterval = time.Duration(cfg.SwitchIntervalSec * float64(time.Second))
	}
	if cfg.MinPersonConfidence > 0 {
		tc.Selector.MinPersonConfidence = cfg.MinPersonConfidence
	}
	if cfg.MoveTimeoutSec > 0 {
		tc.MoveTimeout = time.Duration(cfg.MoveTimeoutSec * float64(time.Second))
	}
	return tc
}

type trackerService struct {
	resource.Named
	resource.AlwaysRebuild

	logger   logging.Logger
	cfg      *TrackerServiceConfig
	registry *BusRegistry
	bus      *SharedBus
	tracker  *Tracker
	mailbox  *FrameMailbox
	workers  *utils.StoppableWorkers

	mu    sync.RWMutex
	last  State
	ticks uint64

	stopped      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

func newTrackerService(
	ctx context.Context,
	deps resource.Dependencies,
	rawConf resource.Config,
	logger logging.Logger,
) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*TrackerServiceConfig](rawConf)
	if err != nil {
		return nil, err
	}
	return NewTrackerService(ctx, rawConf.ResourceName(), conf, sharedBuses, logger)
}

// NewTrackerService opens (or shares) the bus, brings the arm to its start pose and starts the tick worker.
func NewTrackerService(
	ctx context.Context,
	name resource.Name,
	conf *TrackerServiceConfig,
	registry *BusRegistry,
	logger logging.Logger,
) (resource.Resource, error) {
	calibration, _ := LoadCalibration(calibrationPath(conf.CalibrationFile), logger)
	policy, err := DefaultSafetyPolicy(calibration)
	if err != nil {
		return nil, errors.Wrap(err, "invalid safety policy")
	}

	bus, err := registry.Acquire(conf.busConfig(logger))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get shared servo bus")
	}

	if err := configureJoints(ctx, bus, conf.ClearHardwareLimits, logger); err != nil {
		logger.Warnf("joint configuration incomplete: %v", err)
	}

	tracker := NewTracker(bus, policy, conf.trackerConfig(), nil, logger)
	if !conf.SkipStartup {
		if _, err := tracker.Startup(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, multierr.Combine(err, bus.Close())
			}
			logger.Warnf("startup incomplete, tracking open-loop: %v", err)
		}
	}

	s := &trackerService{
		Named:    name.AsNamed(),
		logger:   logger,
		cfg:      conf,
		registry: registry,
		bus:      bus,
		tracker:  tracker,
		mailbox:  NewFrameMailbox(),
	}
	s.workers = utils.NewBackgroundStoppableWorkers(s.tickLoop)
	return s, nil
}

// tickLoop is the only caller of Tracker.Tick.
func (s *trackerService) tickLoop(ctx context.Context) {
	for {
		frame, age, err := s.mailbox.Next(ctx)
		if err != nil {
			return
		}
		state := s.tracker.Tick(ctx, frame.Width, frame.Height, frame.Persons)
		if age > time.Second {
			s.logger.Debugf("frame waited %v before tick", age)
		}

		s.mu.Lock()
		prev := s.last.Mode
		s.last = state
		s.ticks++
		s.mu.Unlock()

		if prev != state.Mode {
			s.logger.Infof("mode %s -> %s", prev, state.Mode)
		}
	}
}

func (s *trackerService) status() map[string]interface{} {
	s.mu.RLock()
	out := s.last.Map()
	out["ticks"] = s.ticks
	ticked := !s.last.Time.IsZero()
	s.mu.RUnlock()

	if !ticked {
		out["mode"] = ModeWaiting.String()
		out["health"] = string(s.bus.Health())
	}
	published, dropped := s.mailbox.Stats()
	out["frames_published"] = published
	out["frames_dropped"] = dropped
	out["port"] = s.cfg.Port
	return out
}

func (s *trackerService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "detections":
		if s.stopped.Load() {
			return nil, ErrTrackerShutdown
		}
		frame, err := DecodeFrame(cmd)
		if err != nil {
			return nil, err
		}
		replaced := s.mailbox.Publish(frame)
		return map[string]interface{}{"queued": true, "replaced": replaced}, nil

	case "status":
		return s.status(), nil

	case "shutdown":
		if err := s.shutdown(ctx); err != nil {
			return map[string]interface{}{"status": "shutdown", "errors": err.Error()}, nil
		}
		return map[string]interface{}{"status": "shutdown"}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

// shutdown stops the worker before parking the arm so no tick interleaves with the sequence.
// A bus still held by other resources but disconnected is closed for all of them, so the next
// Acquire reopens the port.
func (s *trackerService) shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.stopped.Store(true)
		s.mailbox.Close()
		s.workers.Stop()
		s.shutdownErr = s.tracker.Shutdown(ctx)
		if !s.bus.Closed() && s.bus.Health() == HealthDisconnected {
			s.logger.Warnf("servo bus on %s is disconnected, closing it for all users", s.cfg.Port)
			s.shutdownErr = multierr.Append(s.shutdownErr, s.registry.ForceClose(s.cfg.Port))
		}
		if s.shutdownErr != nil {
			s.logger.Warnf("shutdown finished with errors: %v", s.shutdownErr)
		}
	})
	return s.shutdownErr
}

func (s *trackerService) Close(ctx context.Context) error {
	return s.shutdown(ctx)
}
