package so_tracker

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

// ServoBus is what the tracker needs from the servo link. *Bus and *SharedBus implement it.
type ServoBus interface {
	SetTorque(id int, enable bool) error
	SetGoal(id, position, moveTime, speed int) error
	ReadPosition(id int) (int, error)
	Moving(id int) (bool, error)
	Health() Health
	Close() error
}

var ErrTrackerShutdown = errors.New("tracker is shut down")

// TrackerConfig holds every timing and gain of the tracking loop.
type TrackerConfig struct {
	Selector SelectorConfig
	Motion   MotionConfig

	LostFollow  time.Duration
	SearchAfter time.Duration

	ResetTolerance float64
	ResetRate      float64
	ResetSnap      float64

	SearchMargin       float64
	SearchPollInterval time.Duration
	SearchDwell        time.Duration
	SearchSpeed        int
	ReverseTolerance   float64

	ObserveAfter       time.Duration
	ObserveMovement    float64
	ObserveHold        time.Duration
	ObserveLostTimeout time.Duration
	StableWeight       float64

	SmoothingX float64
	SmoothingY float64

	TrackingSpeed  int
	RampStartSpeed int
	RampDuration   time.Duration

	// MoveSpeed, MoveTimeout, PollInterval and SettleDelay drive startup and shutdown moves.
	MoveSpeed    int
	MoveTimeout  time.Duration
	PollInterval time.Duration
	SettleDelay  time.Duration
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Selector:           DefaultSelectorConfig(),
		Motion:             DefaultMotionConfig(),
		LostFollow:         3 * time.Second,
		SearchAfter:        5 * time.Second,
		ResetTolerance:     80,
		ResetRate:          0.15,
		ResetSnap:          100,
		SearchMargin:       0.2,
		SearchPollInterval: 500 * time.Millisecond,
		SearchDwell:        time.Second,
		SearchSpeed:        500,
		ReverseTolerance:   100,
		ObserveAfter:       3 * time.Second,
		ObserveMovement:    0.15,
		ObserveHold:        2 * time.Second,
		ObserveLostTimeout: 5 * time.Second,
		StableWeight:       0.05,
		SmoothingX:         1.0,
		SmoothingY:         0.8,
		TrackingSpeed:      1500,
		RampStartSpeed:     500,
		RampDuration:       1500 * time.Millisecond,
		MoveSpeed:          400,
		MoveTimeout:        10 * time.Second,
		PollInterval:       100 * time.Millisecond,
		SettleDelay:        100 * time.Millisecond,
	}
}

// Tracker runs one control tick per perception frame and owns the joint targets.
type Tracker struct {
	mu sync.Mutex

	cfg      TrackerConfig
	bus      ServoBus
	policy   *SafetyPolicy
	clk      clock.Clock
	logger   logging.Logger
	selector *TargetSelector
	motion   *MotionController

	targets JointTargetVector
	state   trackState
	closed  bool
}

// NewTracker builds a tracker in WAITING with every target at centre. clk may be nil.
func NewTracker(bus ServoBus, policy *SafetyPolicy, cfg TrackerConfig, clk clock.Clock, logger logging.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &Tracker{
		cfg:      cfg,
		bus:      bus,
		policy:   policy,
		clk:      clk,
		logger:   logger,
		selector: NewTargetSelector(cfg.Selector, now),
		motion:   NewMotionController(cfg.Motion),
		targets:  policy.Apply(CenteredTargets()),
		state: trackState{
			mode:        ModeWaiting,
			lastMode:    ModeNone,
			lastSeen:    now,
			activeIndex: -1,
			identity:    -1,
		},
	}
}

// Targets returns a copy of the current joint targets.
func (t *Tracker) Targets() JointTargetVector {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.targets
}

// Startup enables torque, centres each joint in turn and reads the positions back.
// Joints that do not answer report PositionUnknown and keep their commanded centre as target.
func (t *Tracker) Startup(ctx context.Context) (map[int]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTrackerShutdown
	}

	var errs error
	for _, id := range JointIDs {
		if err := t.bus.SetTorque(id, true); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "joint %d", id))
		}
	}
	t.sleep(ctx, t.cfg.SettleDelay)

	t.logger.Infof("Centering joints at speed %d", t.cfg.MoveSpeed)
	for _, id := range JointIDs {
		center := t.policy.Calibration().Joint(id).Center
		if err := t.bus.SetGoal(id, center, 0, t.cfg.MoveSpeed); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "joint %d", id))
			continue
		}
		t.targets.Set(id, float64(center))
		t.waitForStop(ctx, id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	positions := make(map[int]int, NumJoints)
	for _, id := range JointIDs {
		pos, err := t.bus.ReadPosition(id)
		positions[id] = pos
		if err != nil {
			t.logger.Warnf("joint %d position unknown after centering: %v", id, err)
			errs = multierr.Append(errs, errors.Wrapf(err, "joint %d", id))
			continue
		}
		t.targets.Set(id, float64(pos))
	}
	t.targets = t.policy.Apply(t.targets)
	t.state.lastSeen = t.clk.Now()
	t.logger.Infof("Startup positions: %v", positions)
	return positions, errs
}

// Tick runs one control step for a frame. It never fails: transport errors surface via State.Health.
// A frame without a positive size changes nothing.
func (t *Tracker) Tick(ctx context.Context, frameWidth, frameHeight int, persons []DetectedPerson) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	st := &t.state
	if t.closed {
		return t.snapshot(now, 0)
	}
	if frameWidth <= 0 || frameHeight <= 0 {
		t.logger.Debugf("ignoring frame of size %dx%d", frameWidth, frameHeight)
		return t.snapshot(now, 0)
	}

	target, found := t.selector.Select(now, frameWidth, persons)
	if found {
		st.mode = t.onTarget(now, target, frameWidth, frameHeight)
	} else {
		st.mode = t.onLost(now)
	}

	if st.mode.following() && st.lastMode.idle() {
		st.transitionStart = now
	}

	switch {
	case found && st.hasSmoothed:
		if d, ok := t.motion.Compute(st.smoothed, target.Size, frameWidth, frameHeight); ok {
			t.motion.Accumulate(&t.targets, d)
		}
	case st.mode == ModeResetting:
		t.stepReset()
	case st.mode == ModeSearching:
		t.stepSearch(now)
	}

	t.targets = t.policy.Apply(t.targets)

	speed := t.speed(now, st.mode)
	if st.mode != ModeWaiting {
		t.transmit(ctx, speed)
	}
	st.lastMode = st.mode
	return t.snapshot(now, speed)
}

func (t *Tracker) onTarget(now time.Time, target Target, frameWidth, frameHeight int) Mode {
	st := &t.state
	st.lastSeen = now
	st.lastValid = target.Point
	st.hasLastValid = true
	st.searching = false
	st.activeIndex = target.Index
	st.label = target.Part.String()

	if target.Index != st.identity || st.lastMode.idle() {
		st.session = uuid.NewString()
		t.logger.Debugf("tracking person %d (%s), session %s", target.Index, st.label, st.session)
	}
	if target.Index != st.identity {
		st.identity = target.Index
		st.stableSince = now
		st.observing = false
		st.stablePos = target.Point
		st.scanIdx = 0
	}

	w := t.cfg.StableWeight
	st.stablePos = st.stablePos.Mul(1 - w).Add(target.Point.Mul(w))
	moveX := math.Abs(target.Point.X-st.stablePos.X) / float64(frameWidth)
	moveY := math.Abs(target.Point.Y-st.stablePos.Y) / float64(frameHeight)
	if moveX > t.cfg.ObserveMovement || moveY > t.cfg.ObserveMovement {
		st.observing = false
		st.stableSince = now
	}

	if !st.observing && now.Sub(st.stableSince) > t.cfg.ObserveAfter {
		t.logger.Infof("person %d stable, observing", target.Index)
		st.observing = true
		st.scanIdx = 0
		st.lastScanSwitch = now
	}

	point := target.Point
	mode := ModeTracking
	if st.observing {
		mode = ModeObserving
		part := observeSequence[st.scanIdx]
		kp := target.Person.Keypoints[part.keypoint]
		if kp.Visible(part.threshold) {
			point = kp.Pos
			st.label = part.name
			if now.Sub(st.lastScanSwitch) > t.cfg.ObserveHold {
				st.scanIdx = (st.scanIdx + 1) % len(observeSequence)
				st.lastScanSwitch = now
			}
		} else {
			// absent part: keep aiming at the person this tick, try the next part on the next
			st.scanIdx = (st.scanIdx + 1) % len(observeSequence)
			st.lastScanSwitch = now
		}
	}

	if !st.hasSmoothed {
		st.smoothed = point
		st.hasSmoothed = true
	} else {
		st.smoothed = r2.Point{
			X: t.cfg.SmoothingX*point.X + (1-t.cfg.SmoothingX)*st.smoothed.X,
			Y: t.cfg.SmoothingY*point.Y + (1-t.cfg.SmoothingY)*st.smoothed.Y,
		}
	}
	return mode
}

func (t *Tracker) onLost(now time.Time) Mode {
	st := &t.state
	st.activeIndex = -1
	lost := now.Sub(st.lastSeen)

	if st.observing {
		if lost < t.cfg.ObserveLostTimeout {
			return ModeObserving
		}
		st.observing = false
	}

	switch {
	case st.hasLastValid && lost < t.cfg.LostFollow:
		st.smoothed = st.lastValid
		st.hasSmoothed = true
		return ModeLostFollow
	case lost >= t.cfg.SearchAfter:
		st.forget()
		if !t.centered() {
			return ModeResetting
		}
		if !st.searching {
			st.searching = true
			st.sweepTarget = t.cruiseMax()
			st.lastPoll = time.Time{}
			st.stoppedSince = time.Time{}
			t.logger.Info("searching")
		}
		return ModeSearching
	default:
		st.forget()
		return ModeWaiting
	}
}

// forget drops the smoothed point and the identity used for observation.
func (st *trackState) forget() {
	st.hasSmoothed = false
	st.identity = -1
	st.label = ""
}

func (t *Tracker) centered() bool {
	for _, id := range []int{JointShoulder, JointElbow, JointWrist} {
		if math.Abs(t.targets.Get(id)-CenterPosition) > t.cfg.ResetTolerance {
			return false
		}
	}
	return true
}

func (t *Tracker) stepReset() {
	for _, id := range []int{JointShoulder, JointElbow, JointWrist} {
		v := t.targets.Get(id)
		v += (CenterPosition - v) * t.cfg.ResetRate
		if math.Abs(v-CenterPosition) < t.cfg.ResetSnap {
			v = CenterPosition
		}
		t.targets.Set(id, v)
	}
}

func (t *Tracker) cruiseMin() float64 {
	base := t.policy.Calibration().Joint(JointBase)
	return float64(base.Min) + float64(base.Span())*t.cfg.SearchMargin
}

func (t *Tracker) cruiseMax() float64 {
	base := t.policy.Calibration().Joint(JointBase)
	return float64(base.Max) - float64(base.Span())*t.cfg.SearchMargin
}

// stepSearch holds the arm upright and sweeps the base between the cruise limits,
// reversing once the base has reported stopped for SearchDwell.
func (t *Tracker) stepSearch(now time.Time) {
	st := &t.state
	for _, id := range []int{JointShoulder, JointElbow, JointWrist} {
		t.targets.Set(id, CenterPosition)
	}

	if now.Sub(st.lastPoll) > t.cfg.SearchPollInterval {
		st.lastPoll = now
		moving, err := t.bus.Moving(JointBase)
		if err != nil {
			// unknown counts as moving so a dead read never flips the sweep
			moving = true
		}
		if moving {
			st.stoppedSince = time.Time{}
		} else {
			if st.stoppedSince.IsZero() {
				st.stoppedSince = now
			}
			if now.Sub(st.stoppedSince) > t.cfg.SearchDwell {
				if math.Abs(st.sweepTarget-t.cruiseMax()) < t.cfg.ReverseTolerance {
					st.sweepTarget = t.cruiseMin()
				} else {
					st.sweepTarget = t.cruiseMax()
				}
				st.stoppedSince = time.Time{}
			}
		}
	}
	t.targets.Set(JointBase, st.sweepTarget)
}

func (t *Tracker) speed(now time.Time, mode Mode) int {
	if mode == ModeSearching {
		return t.cfg.SearchSpeed
	}
	speed := t.cfg.TrackingSpeed
	if mode.following() {
		elapsed := now.Sub(t.state.transitionStart)
		if elapsed < t.cfg.RampDuration {
			ratio := float64(elapsed) / float64(t.cfg.RampDuration)
			speed = t.cfg.RampStartSpeed + int(float64(t.cfg.TrackingSpeed-t.cfg.RampStartSpeed)*ratio)
		}
	}
	return speed
}

func (t *Tracker) transmit(ctx context.Context, speed int) {
	for _, id := range JointIDs {
		if ctx.Err() != nil {
			return
		}
		if err := t.bus.SetGoal(id, t.targets.Position(id), 0, speed); err != nil {
			t.logger.Debugf("joint %d goal not sent: %v", id, err)
		}
	}
}

func (t *Tracker) snapshot(now time.Time, speed int) State {
	st := t.state
	return State{
		Mode:        st.mode,
		Label:       st.label,
		ActiveIndex: st.activeIndex,
		Point:       st.smoothed,
		HasPoint:    st.hasSmoothed,
		Speed:       speed,
		Targets:     t.targets,
		Health:      t.bus.Health(),
		Session:     st.session,
		Time:        now,
	}
}

// Shutdown parks the arm: centre all joints, wait, move to home from wrist to base,
// disable torque, close the bus. Later calls are no-ops.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	cal := t.policy.Calibration()

	t.logger.Info("Shutdown: centering all joints")
	var errs error
	for _, id := range JointIDs {
		center := t.policy.Clamp(id, float64(cal.Joint(id).Center))
		if err := t.bus.SetGoal(id, int(center), 0, t.cfg.MoveSpeed); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "center joint %d", id))
		}
	}
	for _, id := range JointIDs {
		t.waitForStop(ctx, id)
	}

	t.logger.Info("Shutdown: moving to home")
	for _, id := range []int{JointWrist, JointElbow, JointShoulder, JointBase} {
		home := t.policy.Clamp(id, float64(cal.Joint(id).Home))
		if err := t.bus.SetGoal(id, int(home), 0, t.cfg.MoveSpeed); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "home joint %d", id))
			continue
		}
		t.targets.Set(id, home)
		t.waitForStop(ctx, id)
	}

	t.logger.Info("Shutdown: disabling torque")
	for _, id := range JointIDs {
		if err := t.bus.SetTorque(id, false); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "torque off joint %d", id))
		}
	}
	errs = multierr.Append(errs, t.bus.Close())
	return errs
}

// waitForStop polls the moving flag until it reads false or MoveTimeout passes.
// The flag lags the goal write, so the first poll waits SettleDelay.
// A failed read is not treated as stopped.
func (t *Tracker) waitForStop(ctx context.Context, id int) bool {
	start := t.clk.Now()
	if !t.sleep(ctx, t.cfg.SettleDelay) {
		return false
	}
	for {
		moving, err := t.bus.Moving(id)
		if err == nil && !moving {
			return true
		}
		if t.clk.Since(start) > t.cfg.MoveTimeout {
			t.logger.Warnf("joint %d still moving after %v, continuing", id, t.cfg.MoveTimeout)
			return false
		}
		if !t.sleep(ctx, t.cfg.PollInterval) {
			return false
		}
	}
}

func (t *Tracker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := t.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
