package so_tracker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

var DiagnosticsModel = resource.NewModel("devrel", "sts-tracker", "diagnostics")

func init() {
	resource.RegisterComponent(sensor.API, DiagnosticsModel,
		resource.Registration[sensor.Sensor, *DiagnosticsConfig]{
			Constructor: newDiagnosticsSensor,
		},
	)
}

// DiagnosticsConfig configures the diagnostics sensor. It shares the bus with a tracker on the same port.
type DiagnosticsConfig struct {
	Port     string        `json:"port"`
	Baudrate int           `json:"baudrate,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	// Joints defaults to all four.
	Joints []int `json:"joints,omitempty"`
	// CalibrationFile is the baseline for range recording and where save_calibration writes.
	CalibrationFile string `json:"calibration_file,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *DiagnosticsConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		return nil, nil, fmt.Errorf("must specify port for serial communication")
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate = defaultBaudrate
	}
	if len(cfg.Joints) == 0 {
		cfg.Joints = append([]int(nil), JointIDs...)
	}
	for _, id := range cfg.Joints {
		if id < 1 || id > NumJoints {
			return nil, nil, fmt.Errorf("joint ids must be 1-%d, got %d", NumJoints, id)
		}
	}
	return nil, nil, nil
}

// diagnosticsBus is what the sensor needs from a Bus.
type diagnosticsBus interface {
	Ping(ctx context.Context, id int) error
	ReadPosition(id int) (int, error)
	ReadVoltage(id int) (float64, error)
	ReadTemperature(id int) (int, error)
	ReadStatus(id int) (ServoStatus, error)
	Moving(id int) (bool, error)
	SetTorque(id int, enable bool) error
	CalibrateCenter(id int) error
	ClearPositionLimits(id int) error
	Health() Health
	Close() error
}

// rangeRecord tracks the extremes a joint was moved through by hand.
type rangeRecord struct {
	min, max int
	samples  int
}

type diagnosticsSensor struct {
	resource.Named
	resource.AlwaysRebuild

	logger      logging.Logger
	cfg         *DiagnosticsConfig
	bus         diagnosticsBus
	calibration Calibration
	calFile     string

	mu        sync.Mutex
	recording *utils.StoppableWorkers
	started   time.Time
	ranges    map[int]*rangeRecord
}

func newDiagnosticsSensor(
	ctx context.Context,
	deps resource.Dependencies,
	rawConf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*DiagnosticsConfig](rawConf)
	if err != nil {
		return nil, err
	}
	return NewDiagnosticsSensor(ctx, rawConf.ResourceName(), conf, sharedBuses, logger)
}

// NewDiagnosticsSensor acquires the shared bus for conf.Port.
func NewDiagnosticsSensor(
	ctx context.Context,
	name resource.Name,
	conf *DiagnosticsConfig,
	registry *BusRegistry,
	logger logging.Logger,
) (sensor.Sensor, error) {
	busCfg := DefaultBusConfig(conf.Port)
	if conf.Baudrate != 0 {
		busCfg.Baudrate = conf.Baudrate
	}
	if conf.Timeout != 0 {
		busCfg.Timeout = conf.Timeout
	}
	busCfg.Logger = logger

	bus, err := registry.Acquire(busCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get shared servo bus")
	}
	return newDiagnostics(name, conf, bus, logger), nil
}

func newDiagnostics(name resource.Name, conf *DiagnosticsConfig, bus diagnosticsBus, logger logging.Logger) *diagnosticsSensor {
	if len(conf.Joints) == 0 {
		conf.Joints = append([]int(nil), JointIDs...)
	}
	// baseline and save target are the same file
	calFile := calibrationPath(conf.CalibrationFile)
	calibration, _ := LoadCalibration(calFile, logger)

	logger.Infof("STS diagnostics sensor initialized for joints: %v", conf.Joints)
	return &diagnosticsSensor{
		Named:       name.AsNamed(),
		logger:      logger,
		cfg:         conf,
		bus:         bus,
		calibration: calibration,
		calFile:     resolveModuleDataPath(calFile),
	}
}

// Readings reports every configured joint. A joint that fails to answer carries an "error" entry
// instead of failing the whole call.
func (ds *diagnosticsSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	joints := make(map[string]interface{}, len(ds.cfg.Joints))
	for _, id := range ds.cfg.Joints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		joints[ds.calibration.Joint(id).Name] = ds.readJoint(id)
	}

	readings := map[string]interface{}{
		"health": string(ds.bus.Health()),
		"port":   ds.cfg.Port,
		"joints": joints,
	}

	ds.mu.Lock()
	if ds.recording != nil {
		readings["recording_time_seconds"] = time.Since(ds.started).Seconds()
	}
	ds.mu.Unlock()
	return readings, nil
}

func (ds *diagnosticsSensor) readJoint(id int) map[string]interface{} {
	joint := ds.calibration.Joint(id)
	out := map[string]interface{}{"id": id}
	var errs error

	pos, err := ds.bus.ReadPosition(id)
	errs = multierr.Append(errs, err)
	out["position"] = pos
	if err == nil {
		out["degrees"] = joint.Degrees(pos)
	}

	if v, err := ds.bus.ReadVoltage(id); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		out["voltage"] = v
	}

	if temp, err := ds.bus.ReadTemperature(id); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		out["temperature_c"] = temp
	}

	if status, err := ds.bus.ReadStatus(id); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		flags := make(map[string]interface{})
		for name, set := range status.Flags() {
			flags[name] = set
		}
		out["status"] = flags
		faults := []interface{}{}
		for _, f := range status.Faults() {
			faults = append(faults, f)
		}
		out["faults"] = faults
	}

	if moving, err := ds.bus.Moving(id); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		out["moving"] = moving
	}

	if errs != nil {
		out["error"] = errs.Error()
	}
	return out
}

// DoCommand handles bench commands
func (ds *diagnosticsSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("command must be a string")
	}

	switch command {
	case "ping":
		return ds.ping(ctx), nil

	case "health":
		return map[string]interface{}{"health": string(ds.bus.Health())}, nil

	case "torque":
		enable, ok := cmd["enable"].(bool)
		if !ok {
			return nil, fmt.Errorf("torque requires a boolean 'enable'")
		}
		return ds.forJoints(cmd, func(id int) error { return ds.bus.SetTorque(id, enable) })

	case "calibrate_center":
		// Centre calibration only ever targets one joint, held in place by hand.
		id, err := jointArg(cmd, true)
		if err != nil {
			return nil, err
		}
		if err := ds.bus.CalibrateCenter(id); err != nil {
			return nil, err
		}
		ds.logger.Infof("joint %d centre calibrated to %d", id, CenterPosition)
		return map[string]interface{}{"success": true, "joint": id}, nil

	case "clear_limits":
		return ds.forJoints(cmd, ds.bus.ClearPositionLimits)

	case "start_range_recording":
		return ds.startRangeRecording()

	case "stop_range_recording":
		return ds.stopRangeRecording()

	case "save_calibration":
		return ds.saveCalibration()

	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (ds *diagnosticsSensor) ping(ctx context.Context) map[string]interface{} {
	results := make(map[string]interface{}, len(ds.cfg.Joints))
	for _, id := range ds.cfg.Joints {
		if err := ds.bus.Ping(ctx, id); err != nil {
			results[fmt.Sprintf("joint_%d", id)] = err.Error()
			continue
		}
		results[fmt.Sprintf("joint_%d", id)] = "ok"
	}
	return map[string]interface{}{"joints": results, "health": string(ds.bus.Health())}
}

// forJoints applies fn to the joint named in cmd, or to every configured joint when none is given.
func (ds *diagnosticsSensor) forJoints(cmd map[string]interface{}, fn func(id int) error) (map[string]interface{}, error) {
	id, err := jointArg(cmd, false)
	if err != nil {
		return nil, err
	}
	ids := ds.cfg.Joints
	if id != 0 {
		ids = []int{id}
	}

	var errs error
	done := []interface{}{}
	for _, id := range ids {
		if err := fn(id); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "joint %d", id))
			continue
		}
		done = append(done, id)
	}
	resp := map[string]interface{}{"success": errs == nil, "joints": done}
	if errs != nil {
		resp["errors"] = errs.Error()
	}
	return resp, nil
}

// jointArg reads cmd["joint"]. JSON numbers arrive as float64.
func jointArg(cmd map[string]interface{}, required bool) (int, error) {
	raw, ok := cmd["joint"]
	if !ok {
		if required {
			return 0, fmt.Errorf("missing 'joint'")
		}
		return 0, nil
	}
	var id int
	switch v := raw.(type) {
	case float64:
		id = int(v)
	case int:
		id = v
	default:
		return 0, fmt.Errorf("joint must be a number, got %T", raw)
	}
	if id < 1 || id > NumJoints {
		return 0, fmt.Errorf("joint must be 1-%d, got %d", NumJoints, id)
	}
	return id, nil
}

func (ds *diagnosticsSensor) startRangeRecording() (map[string]interface{}, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.recording != nil {
		return map[string]interface{}{"success": false}, fmt.Errorf("range recording already active")
	}

	ds.ranges = make(map[int]*rangeRecord, len(ds.cfg.Joints))
	for _, id := range ds.cfg.Joints {
		ds.ranges[id] = &rangeRecord{min: math.MaxInt32, max: math.MinInt32}
	}
	ds.started = time.Now()
	ds.recording = utils.NewBackgroundStoppableWorkers(ds.recordPositions)

	ds.logger.Info("Recording range of motion; move each joint through its full travel by hand")
	return map[string]interface{}{"success": true}, nil
}

func (ds *diagnosticsSensor) recordPositions(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ds.sampleRange()
		}
	}
}

// sampleRange reads every joint once and widens its recorded range.
func (ds *diagnosticsSensor) sampleRange() {
	for _, id := range ds.cfg.Joints {
		pos, err := ds.bus.ReadPosition(id)
		if err != nil {
			continue
		}
		ds.mu.Lock()
		if rec, ok := ds.ranges[id]; ok {
			rec.samples++
			if pos < rec.min {
				rec.min = pos
			}
			if pos > rec.max {
				rec.max = pos
			}
		}
		ds.mu.Unlock()
	}
}

func (ds *diagnosticsSensor) stopRangeRecording() (map[string]interface{}, error) {
	ds.mu.Lock()
	recording := ds.recording
	ds.recording = nil
	ds.mu.Unlock()
	if recording == nil {
		return map[string]interface{}{"success": false}, fmt.Errorf("range recording not active")
	}
	recording.Stop()

	ds.mu.Lock()
	defer ds.mu.Unlock()
	ranges := make(map[string]interface{}, len(ds.ranges))
	for id, rec := range ds.ranges {
		entry := map[string]interface{}{"samples": rec.samples}
		if rec.samples > 0 {
			entry["min"] = rec.min
			entry["max"] = rec.max
		}
		ranges[ds.calibration.Joint(id).Name] = entry
	}
	ds.logger.Infof("Range recording stopped after %.1f seconds", time.Since(ds.started).Seconds())
	return map[string]interface{}{"success": true, "ranges": ranges}, nil
}

// saveCalibration writes the recorded limits over the baseline calibration. Joints that were never
// moved, or whose recorded span excludes the centre, keep their previous limits.
func (ds *diagnosticsSensor) saveCalibration() (map[string]interface{}, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.recording != nil {
		return map[string]interface{}{"success": false}, fmt.Errorf("stop range recording before saving")
	}
	if len(ds.ranges) == 0 {
		return map[string]interface{}{"success": false}, fmt.Errorf("no range recorded")
	}

	calibration := ds.calibration
	updated := []interface{}{}
	for id, rec := range ds.ranges {
		joint := calibration.Joint(id)
		if rec.samples == 0 || rec.min >= rec.max || rec.min > joint.Center || rec.max < joint.Center {
			ds.logger.Warnf("joint %d: recorded range [%d, %d] unusable, keeping [%d, %d]",
				id, rec.min, rec.max, joint.Min, joint.Max)
			continue
		}
		joint.Min, joint.Max = rec.min, rec.max
		joint.Home = int(joint.Clamp(float64(joint.Home)))
		calibration[id-1] = joint
		updated = append(updated, id)
	}

	if err := SaveCalibrationToFile(ds.calFile, calibration); err != nil {
		return map[string]interface{}{"success": false}, err
	}
	ds.calibration = calibration
	ds.logger.Infof("Calibration saved to %s", ds.calFile)
	return map[string]interface{}{
		"success":          true,
		"calibration_file": ds.calFile,
		"joints_updated":   updated,
	}, nil
}

func (ds *diagnosticsSensor) Close(ctx context.Context) error {
	ds.mu.Lock()
	recording := ds.recording
	ds.recording = nil
	ds.mu.Unlock()
	if recording != nil {
		recording.Stop()
	}
	return ds.bus.Close()
}
