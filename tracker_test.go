package so_tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

type goalCall struct {
	id, position, speed int
	at                  time.Time
}

// fakeServoBus records every command. Goals land at once and nothing reports moving unless clk
// and moveTime are set: then the moving flag rises flagLag after a goal and drops at moveTime.
type fakeServoBus struct {
	mu        sync.Mutex
	calls     []string
	goals     []goalCall
	positions map[int]int
	readErr   map[int]error
	health    Health
	closed    bool

	clk               clock.Clock
	flagLag, moveTime time.Duration
	goalAt            map[int]time.Time
}

func newFakeServoBus() *fakeServoBus {
	b := &fakeServoBus{
		positions: make(map[int]int),
		readErr:   make(map[int]error),
		health:    HealthOK,
		goalAt:    make(map[int]time.Time),
	}
	for _, id := range JointIDs {
		b.positions[id] = CenterPosition
	}
	return b
}

func (b *fakeServoBus) SetTorque(id int, enable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, fmt.Sprintf("torque %d %v", id, enable))
	return nil
}

func (b *fakeServoBus) SetGoal(id, position, moveTime, speed int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	var at time.Time
	if b.clk != nil {
		at = b.clk.Now()
		b.goalAt[id] = at
	}
	b.calls = append(b.calls, fmt.Sprintf("goal %d %d", id, position))
	b.goals = append(b.goals, goalCall{id: id, position: position, speed: speed, at: at})
	b.positions[id] = position
	return nil
}

func (b *fakeServoBus) ReadPosition(id int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.readErr[id]; err != nil {
		return PositionUnknown, err
	}
	return b.positions[id], nil
}

func (b *fakeServoBus) Moving(id int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clk == nil || b.moveTime == 0 {
		return false, nil
	}
	since := b.clk.Now().Sub(b.goalAt[id])
	return since >= b.flagLag && since < b.moveTime, nil
}

func (b *fakeServoBus) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

func (b *fakeServoBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.calls = append(b.calls, "close")
	return nil
}

func (b *fakeServoBus) goalCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.goals)
}

func (b *fakeServoBus) lastGoal(id int) (goalCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.goals) - 1; i >= 0; i-- {
		if b.goals[i].id == id {
			return b.goals[i], true
		}
	}
	return goalCall{}, false
}

func newTestTracker(t *testing.T) (*Tracker, *fakeServoBus, *clock.Mock) {
	t.Helper()
	policy, err := DefaultSafetyPolicy(DefaultCalibration)
	require.NoError(t, err)

	cfg := DefaultTrackerConfig()
	cfg.SettleDelay = 0
	cfg.PollInterval = 0

	bus := newFakeServoBus()
	clk := clock.NewMock()
	return NewTracker(bus, policy, cfg, clk, logging.NewTestLogger(t)), bus, clk
}

func trackablePerson(x, y float64) DetectedPerson {
	return newPerson(0.95, map[int]r2.Point{
		KeypointNose:          {X: x, Y: y},
		KeypointLeftShoulder:  {X: x - 80, Y: y + 60},
		KeypointRightShoulder: {X: x + 80, Y: y + 60},
		KeypointLeftWrist:     {X: x - 100, Y: y + 200},
		KeypointRightWrist:    {X: x + 100, Y: y + 200},
	})
}

func TestTrackerLossTimeline(t *testing.T) {
	ctx := context.Background()

	t.Run("centred arm searches", func(t *testing.T) {
		tracker, _, clk := newTestTracker(t)
		person := []DetectedPerson{trackablePerson(320, 240)}

		state := tracker.Tick(ctx, 640, 480, person)
		assert.Equal(t, ModeTracking, state.Mode)
		assert.Equal(t, "FACE", state.Label)
		assert.Equal(t, 0, state.ActiveIndex)

		clk.Add(2900 * time.Millisecond)
		state = tracker.Tick(ctx, 640, 480, nil)
		assert.Equal(t, ModeLostFollow, state.Mode)
		assert.Equal(t, -1, state.ActiveIndex)
		assert.True(t, state.HasPoint)

		clk.Add(1100 * time.Millisecond)
		assert.Equal(t, ModeWaiting, tracker.Tick(ctx, 640, 480, nil).Mode)

		clk.Add(1100 * time.Millisecond)
		assert.Equal(t, ModeSearching, tracker.Tick(ctx, 640, 480, nil).Mode)
	})

	t.Run("displaced arm resets first", func(t *testing.T) {
		tracker, _, clk := newTestTracker(t)
		low := []DetectedPerson{faceAt(320, 480)}

		tracker.Tick(ctx, 640, 480, low)
		clk.Add(100 * time.Millisecond)
		tracker.Tick(ctx, 640, 480, low)
		require.Greater(t, tracker.Targets().Get(JointShoulder), 2048.0+80)

		clk.Add(5100 * time.Millisecond)
		state := tracker.Tick(ctx, 640, 480, nil)
		assert.Equal(t, ModeResetting, state.Mode)
		assert.Equal(t, "", state.Label)

		clk.Add(100 * time.Millisecond)
		for i := 0; i < 20 && state.Mode == ModeResetting; i++ {
			state = tracker.Tick(ctx, 640, 480, nil)
			clk.Add(100 * time.Millisecond)
		}
		assert.Equal(t, ModeSearching, state.Mode)
		for _, id := range []int{JointShoulder, JointElbow, JointWrist} {
			assert.Equal(t, 2048.0, tracker.Targets().Get(id))
		}
	})

	t.Run("nobody seen since construction waits then searches", func(t *testing.T) {
		tracker, _, clk := newTestTracker(t)
		assert.Equal(t, ModeWaiting, tracker.Tick(ctx, 640, 480, nil).Mode)
		clk.Add(5 * time.Second)
		assert.Equal(t, ModeSearching, tracker.Tick(ctx, 640, 480, nil).Mode)
	})
}

func TestTrackerWaitingSendsNothing(t *testing.T) {
	ctx := context.Background()
	tracker, bus, clk := newTestTracker(t)

	tracker.Tick(ctx, 640, 480, []DetectedPerson{trackablePerson(320, 240)})
	sent := bus.goalCount()
	assert.Equal(t, NumJoints, sent)

	clk.Add(4 * time.Second)
	assert.Equal(t, ModeWaiting, tracker.Tick(ctx, 640, 480, nil).Mode)
	assert.Equal(t, sent, bus.goalCount())
}

func TestTrackerSoftStart(t *testing.T) {
	ctx := context.Background()
	tracker, bus, clk := newTestTracker(t)
	person := []DetectedPerson{trackablePerson(320, 240)}

	assert.Equal(t, 500, tracker.Tick(ctx, 640, 480, person).Speed)

	clk.Add(750 * time.Millisecond)
	assert.Equal(t, 1000, tracker.Tick(ctx, 640, 480, person).Speed)
	goal, ok := bus.lastGoal(JointBase)
	require.True(t, ok)
	assert.Equal(t, 1000, goal.speed)

	clk.Add(750 * time.Millisecond)
	assert.Equal(t, 1500, tracker.Tick(ctx, 640, 480, person).Speed)
}

func TestTrackerFollowsOffCentreTarget(t *testing.T) {
	ctx := context.Background()
	tracker, bus, _ := newTestTracker(t)

	state := tracker.Tick(ctx, 640, 480, []DetectedPerson{faceAt(384, 240)})
	assert.Equal(t, ModeTracking, state.Mode)
	assert.InDelta(t, 2042, state.Targets.Get(JointBase), 1e-9)

	goal, ok := bus.lastGoal(JointBase)
	require.True(t, ok)
	assert.Equal(t, 2042, goal.position)
}

func TestTrackerSearchSweep(t *testing.T) {
	ctx := context.Background()
	tracker, bus, clk := newTestTracker(t)

	clk.Add(5 * time.Second)
	state := tracker.Tick(ctx, 640, 480, nil)
	require.Equal(t, ModeSearching, state.Mode)
	assert.Equal(t, 500, state.Speed)

	cruiseMax := 3225 - 0.2*(3225-1141)
	cruiseMin := 1141 + 0.2*(3225-1141)
	assert.InDelta(t, cruiseMax, state.Targets.Get(JointBase), 1e-9)
	goal, ok := bus.lastGoal(JointBase)
	require.True(t, ok)
	assert.Equal(t, 2808, goal.position)
	assert.Equal(t, 500, goal.speed)

	// base reports stopped: reverse after more than a second of dwell
	clk.Add(600 * time.Millisecond)
	state = tracker.Tick(ctx, 640, 480, nil)
	assert.InDelta(t, cruiseMax, state.Targets.Get(JointBase), 1e-9)

	clk.Add(600 * time.Millisecond)
	state = tracker.Tick(ctx, 640, 480, nil)
	assert.InDelta(t, cruiseMin, state.Targets.Get(JointBase), 1e-9)

	t.Run("finding someone ends the sweep with a soft start", func(t *testing.T) {
		clk.Add(100 * time.Millisecond)
		state := tracker.Tick(ctx, 640, 480, []DetectedPerson{trackablePerson(320, 240)})
		assert.Equal(t, ModeTracking, state.Mode)
		assert.Equal(t, 500, state.Speed)
	})
}

func TestTrackerObservation(t *testing.T) {
	ctx := context.Background()
	tracker, _, clk := newTestTracker(t)
	person := []DetectedPerson{trackablePerson(320, 240)}

	var state State
	for elapsed := time.Duration(0); elapsed <= 3*time.Second; elapsed += 500 * time.Millisecond {
		state = tracker.Tick(ctx, 640, 480, person)
		assert.Equal(t, ModeTracking, state.Mode, "at %v", elapsed)
		clk.Add(500 * time.Millisecond)
	}

	state = tracker.Tick(ctx, 640, 480, person)
	assert.Equal(t, ModeObserving, state.Mode)
	assert.Equal(t, "FACE", state.Label)

	clk.Add(2500 * time.Millisecond)
	state = tracker.Tick(ctx, 640, 480, person)
	assert.Equal(t, "FACE", state.Label)

	clk.Add(100 * time.Millisecond)
	state = tracker.Tick(ctx, 640, 480, person)
	assert.Equal(t, ModeObserving, state.Mode)
	assert.Equal(t, "L_SHLDR", state.Label)

	t.Run("brief loss keeps observing", func(t *testing.T) {
		clk.Add(time.Second)
		assert.Equal(t, ModeObserving, tracker.Tick(ctx, 640, 480, nil).Mode)
	})

	t.Run("long loss gives up", func(t *testing.T) {
		clk.Add(4500 * time.Millisecond)
		mode := tracker.Tick(ctx, 640, 480, nil).Mode
		assert.Contains(t, []Mode{ModeResetting, ModeSearching}, mode)
	})
}

// tickUntil ticks every step until done reports true or limit passes.
func tickUntil(t *testing.T, tracker *Tracker, clk *clock.Mock, persons []DetectedPerson, step, limit time.Duration, done func(State) bool) State {
	t.Helper()
	var state State
	for elapsed := time.Duration(0); elapsed <= limit; elapsed += step {
		clk.Add(step)
		state = tracker.Tick(context.Background(), 640, 480, persons)
		if done(state) {
			return state
		}
	}
	t.Fatalf("condition not met within %v, last mode %s label %s", limit, state.Mode, state.Label)
	return state
}

func TestTrackerObservationScan(t *testing.T) {
	observing := func(s State) bool { return s.Mode == ModeObserving }

	t.Run("hidden parts are skipped without a hold", func(t *testing.T) {
		tracker, _, clk := newTestTracker(t)
		person := trackablePerson(320, 240)
		person.Keypoints[KeypointLeftWrist].Confidence = 0.1
		person.Keypoints[KeypointRightWrist].Confidence = 0.1
		persons := []DetectedPerson{person}

		state := tickUntil(t, tracker, clk, persons, 100*time.Millisecond, 4*time.Second, observing)
		require.Equal(t, "FACE", state.Label)

		type seen struct {
			label string
			at    time.Time
		}
		var labels []seen
		for i := 0; i < 90; i++ {
			clk.Add(100 * time.Millisecond)
			state = tracker.Tick(context.Background(), 640, 480, persons)
			require.Equal(t, ModeObserving, state.Mode)
			labels = append(labels, seen{state.Label, clk.Now()})
		}

		lastRight := -1
		for i, l := range labels {
			assert.NotContains(t, []string{"L_HAND", "R_HAND"}, l.label)
			if l.label == "R_SHLDR" {
				lastRight = i
			}
		}
		require.GreaterOrEqual(t, lastRight, 0)
		require.Less(t, lastRight+1, len(labels))
		assert.Equal(t, "FACE", labels[lastRight+1].label)

		// the face gets its full hold, then the scan continues at the left shoulder
		nextLeft := -1
		for i := lastRight + 1; i < len(labels); i++ {
			if labels[i].label == "L_SHLDR" {
				nextLeft = i
				break
			}
		}
		require.GreaterOrEqual(t, nextLeft, 0)
		gap := labels[nextLeft].at.Sub(labels[lastRight].at)
		assert.Greater(t, gap, 2*time.Second)
		assert.Less(t, gap, 3*time.Second)
	})

	t.Run("re-entry after movement starts at the face", func(t *testing.T) {
		tracker, _, clk := newTestTracker(t)
		persons := []DetectedPerson{trackablePerson(320, 240)}

		tickUntil(t, tracker, clk, persons, 100*time.Millisecond, 4*time.Second, observing)
		tickUntil(t, tracker, clk, persons, 100*time.Millisecond, 3*time.Second, func(s State) bool {
			return s.Label == "L_SHLDR"
		})
		require.NotZero(t, tracker.state.scanIdx)

		moved := []DetectedPerson{trackablePerson(520, 240)}
		clk.Add(100 * time.Millisecond)
		state := tracker.Tick(context.Background(), 640, 480, moved)
		assert.Equal(t, ModeTracking, state.Mode)

		state = tickUntil(t, tracker, clk, moved, 100*time.Millisecond, 8*time.Second, observing)
		assert.Equal(t, "FACE", state.Label)
		assert.Zero(t, tracker.state.scanIdx)
	})
}

func TestTrackerMovementRestartsStability(t *testing.T) {
	ctx := context.Background()
	tracker, _, clk := newTestTracker(t)

	x := 100.0
	for i := 0; i < 10; i++ {
		state := tracker.Tick(ctx, 640, 480, []DetectedPerson{trackablePerson(x, 240)})
		assert.NotEqual(t, ModeObserving, state.Mode)
		x = 640 - x
		clk.Add(500 * time.Millisecond)
	}
}

func TestTrackerSession(t *testing.T) {
	ctx := context.Background()
	tracker, _, clk := newTestTracker(t)
	person := []DetectedPerson{trackablePerson(320, 240)}

	first := tracker.Tick(ctx, 640, 480, person).Session
	require.NotEmpty(t, first)
	clk.Add(100 * time.Millisecond)
	assert.Equal(t, first, tracker.Tick(ctx, 640, 480, person).Session)

	clk.Add(6 * time.Second)
	tracker.Tick(ctx, 640, 480, nil)
	clk.Add(100 * time.Millisecond)
	assert.NotEqual(t, first, tracker.Tick(ctx, 640, 480, person).Session)
}

func TestTrackerStartup(t *testing.T) {
	ctx := context.Background()

	t.Run("centres every joint", func(t *testing.T) {
		tracker, bus, _ := newTestTracker(t)
		bus.positions[JointBase] = 1500

		positions, err := tracker.Startup(ctx)
		require.NoError(t, err)
		for _, id := range JointIDs {
			assert.Equal(t, 2048, positions[id])
		}
		assert.Equal(t, []string{"torque 1 true", "torque 2 true", "torque 3 true", "torque 4 true"}, bus.calls[:4])
		for _, goal := range bus.goals {
			assert.Equal(t, 400, goal.speed)
		}
	})

	t.Run("unknown positions are reported, not invented", func(t *testing.T) {
		tracker, bus, _ := newTestTracker(t)
		bus.readErr[JointElbow] = errors.New("no response")

		positions, err := tracker.Startup(ctx)
		assert.Error(t, err)
		assert.Equal(t, PositionUnknown, positions[JointElbow])
		assert.Equal(t, 2048.0, tracker.Targets().Get(JointElbow))
	})
}

func TestTrackerShutdown(t *testing.T) {
	ctx := context.Background()
	tracker, bus, _ := newTestTracker(t)
	tracker.Tick(ctx, 640, 480, []DetectedPerson{trackablePerson(320, 240)})
	bus.calls = nil

	require.NoError(t, tracker.Shutdown(ctx))
	assert.Equal(t, []string{
		"goal 1 2048", "goal 2 2048", "goal 3 2048", "goal 4 2048",
		"goal 4 2600", "goal 3 1600", "goal 2 2400", "goal 1 2048",
		"torque 1 false", "torque 2 false", "torque 3 false", "torque 4 false",
		"close",
	}, bus.calls)

	t.Run("second shutdown is a no-op", func(t *testing.T) {
		n := len(bus.calls)
		assert.NoError(t, tracker.Shutdown(ctx))
		assert.Len(t, bus.calls, n)
	})

	t.Run("ticks after shutdown send nothing", func(t *testing.T) {
		n := bus.goalCount()
		tracker.Tick(ctx, 640, 480, []DetectedPerson{trackablePerson(320, 240)})
		assert.Equal(t, n, bus.goalCount())

		_, err := tracker.Startup(ctx)
		assert.ErrorIs(t, err, ErrTrackerShutdown)
	})
}

func TestTrackerShutdownWaitsForEachHomeMove(t *testing.T) {
	policy, err := DefaultSafetyPolicy(DefaultCalibration)
	require.NoError(t, err)
	clk := clock.NewMock()
	bus := newFakeServoBus()
	bus.clk = clk
	bus.flagLag = 20 * time.Millisecond
	bus.moveTime = 300 * time.Millisecond
	tracker := NewTracker(bus, policy, DefaultTrackerConfig(), clk, logging.NewTestLogger(t))

	done := make(chan error, 1)
	go func() { done <- tracker.Shutdown(context.Background()) }()
	for finished := false; !finished; {
		select {
		case err := <-done:
			require.NoError(t, err)
			finished = true
		case <-time.After(time.Millisecond):
			clk.Add(10 * time.Millisecond)
		}
	}

	bus.mu.Lock()
	goals := append([]goalCall(nil), bus.goals...)
	bus.mu.Unlock()
	require.Len(t, goals, 8)

	home := goals[4:]
	for i, id := range []int{JointWrist, JointElbow, JointShoulder, JointBase} {
		assert.Equal(t, id, home[i].id)
	}
	// each home move starts only after the previous joint's flag rose and fell
	for i := 1; i < len(home); i++ {
		assert.GreaterOrEqual(t, home[i].at.Sub(home[i-1].at), 300*time.Millisecond,
			"joint %d sent before joint %d stopped", home[i].id, home[i-1].id)
	}
}

func TestTrackerIgnoresEmptyFrameSize(t *testing.T) {
	ctx := context.Background()
	tracker, bus, clk := newTestTracker(t)
	person := []DetectedPerson{trackablePerson(600, 100)}

	tracker.Tick(ctx, 640, 480, person)
	before := tracker.Targets()
	sent := bus.goalCount()

	for _, size := range [][2]int{{0, 480}, {640, 0}, {-1, -1}} {
		clk.Add(100 * time.Millisecond)
		state := tracker.Tick(ctx, size[0], size[1], person)
		assert.Equal(t, ModeTracking, state.Mode)
		assert.Equal(t, before, state.Targets)
	}
	assert.Equal(t, sent, bus.goalCount())
	for _, id := range JointIDs {
		goal, ok := bus.lastGoal(id)
		require.True(t, ok)
		assert.GreaterOrEqual(t, goal.position, 0)
	}
}

func TestTrackerReportsBusHealth(t *testing.T) {
	tracker, bus, _ := newTestTracker(t)
	bus.health = HealthDegraded
	state := tracker.Tick(context.Background(), 640, 480, nil)
	assert.Equal(t, HealthDegraded, state.Health)
	assert.Equal(t, "degraded", state.Map()["health"])
}
