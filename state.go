package so_tracker

import (
	"time"

	"github.com/golang/geo/r2"
)

// Mode is the tracking state machine's current behaviour.
type Mode int

const (
	// ModeNone is only ever the previous mode before the first tick.
	ModeNone Mode = iota
	ModeWaiting
	ModeTracking
	ModeLostFollow
	ModeResetting
	ModeSearching
	ModeObserving
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModeWaiting:
		return "WAITING"
	case ModeTracking:
		return "TRACKING"
	case ModeLostFollow:
		return "LOST_FOLLOW"
	case ModeResetting:
		return "RESETTING"
	case ModeSearching:
		return "SEARCHING"
	case ModeObserving:
		return "OBSERVING"
	default:
		return "unknown"
	}
}

// following reports modes that aim at a person and get the soft-start ramp.
func (m Mode) following() bool {
	return m == ModeTracking || m == ModeObserving || m == ModeLostFollow
}

// idle reports modes a soft start ramps out of.
func (m Mode) idle() bool {
	return m == ModeNone || m == ModeWaiting || m == ModeResetting || m == ModeSearching
}

// State is the per-tick snapshot handed back to the host.
type State struct {
	Mode Mode
	// Label is the tracked part: FACE, BODY, HIPS or an observed part name.
	Label string
	// ActiveIndex is the tracked person's index in this frame, -1 when none.
	ActiveIndex int
	Point       r2.Point
	HasPoint    bool
	Speed       int
	Targets     JointTargetVector
	Health      Health
	Session     string
	Time        time.Time
}

// Map is the DoCommand form of the snapshot.
func (s State) Map() map[string]interface{} {
	out := map[string]interface{}{
		"mode":         s.Mode.String(),
		"label":        s.Label,
		"active_index": s.ActiveIndex,
		"speed":        s.Speed,
		"targets":      s.Targets.Map(),
		"health":       string(s.Health),
		"session":      s.Session,
	}
	if s.HasPoint {
		out["point"] = map[string]interface{}{"x": s.Point.X, "y": s.Point.Y}
	}
	if !s.Time.IsZero() {
		out["time"] = s.Time.Format(time.RFC3339Nano)
	}
	return out
}

// observedPart is one stop of the observation scan.
type observedPart struct {
	keypoint  int
	name      string
	threshold float64
}

var observeSequence = []observedPart{
	{KeypointNose, "FACE", 0.5},
	{KeypointLeftShoulder, "L_SHLDR", 0.5},
	{KeypointRightShoulder, "R_SHLDR", 0.5},
	{KeypointLeftWrist, "L_HAND", 0.2},
	{KeypointRightWrist, "R_HAND", 0.2},
}

// trackState is owned by one Tracker and only touched inside Tick.
type trackState struct {
	mode     Mode
	lastMode Mode

	lastSeen     time.Time
	lastValid    r2.Point
	hasLastValid bool
	smoothed     r2.Point
	hasSmoothed  bool
	activeIndex  int
	label        string
	session      string

	// observation
	identity       int
	stableSince    time.Time
	stablePos      r2.Point
	observing      bool
	scanIdx        int
	lastScanSwitch time.Time

	// search sweep
	searching    bool
	sweepTarget  float64
	lastPoll     time.Time
	stoppedSince time.Time

	transitionStart time.Time
}
