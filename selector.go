package so_tracker

import (
	"math"
	"time"

	"github.com/golang/geo/r2"
)

// TrackingPart names what the tracking point was derived from.
type TrackingPart int

const (
	PartFace TrackingPart = iota
	PartBody
	PartHips
)

func (p TrackingPart) String() string {
	switch p {
	case PartFace:
		return "FACE"
	case PartBody:
		return "BODY"
	case PartHips:
		return "HIPS"
	default:
		return "unknown"
	}
}

// Target is the selected person and where to aim at them.
type Target struct {
	Index      int
	Person     DetectedPerson
	Point      r2.Point
	Part       TrackingPart
	Confidence float64
	// Size is shoulder (or hip) width over frame width.
	Size float64
	// Auto is set when the selected person had nothing usable and another person's face was taken.
	Auto bool
}

type SelectorConfig struct {
	SwitchInterval      time.Duration
	MinPersonConfidence float64
	KeypointConfidence  float64
	// BodyLift is the fraction of shoulder width the body point is raised by.
	BodyLift       float64
	SingleShoulder float64
	DefaultSize    float64
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		SwitchInterval:      15 * time.Second,
		MinPersonConfidence: 0.8,
		KeypointConfidence:  0.3,
		BodyLift:            0.8,
		SingleShoulder:      50,
		DefaultSize:         0.2,
	}
}

// TargetSelector picks one person per frame with a timed round-robin.
type TargetSelector struct {
	cfg        SelectorConfig
	index      int
	lastSwitch time.Time
}

// NewTargetSelector starts the rotation timer at now.
func NewTargetSelector(cfg SelectorConfig, now time.Time) *TargetSelector {
	return &TargetSelector{cfg: cfg, lastSwitch: now}
}

// Index is the current round-robin position.
func (s *TargetSelector) Index() int {
	return s.index
}

// Select returns the target for this frame, or false when nobody qualifies.
func (s *TargetSelector) Select(now time.Time, frameWidth int, persons []DetectedPerson) (Target, bool) {
	n := len(persons)
	if n == 0 {
		return Target{}, false
	}

	if now.Sub(s.lastSwitch) >= s.cfg.SwitchInterval {
		if n > 1 {
			s.index = (s.index + 1) % n
		}
		s.lastSwitch = now
	}
	if s.index >= n {
		s.index = 0
	}

	if persons[s.index].Confidence < s.cfg.MinPersonConfidence {
		found := false
		for i, p := range persons {
			if p.Confidence >= s.cfg.MinPersonConfidence {
				s.index = i
				found = true
				break
			}
		}
		if !found {
			return Target{}, false
		}
	}

	person := persons[s.index]
	if t, ok := s.extract(person, frameWidth); ok {
		t.Index = s.index
		return t, true
	}

	for i, other := range persons {
		if i == s.index || other.Confidence < s.cfg.MinPersonConfidence {
			continue
		}
		nose := other.Keypoints[KeypointNose]
		if !nose.Visible(s.cfg.KeypointConfidence) {
			continue
		}
		size := s.cfg.DefaultSize
		ls, rs := other.Keypoints[KeypointLeftShoulder], other.Keypoints[KeypointRightShoulder]
		if ls.Visible(s.cfg.KeypointConfidence) && rs.Visible(s.cfg.KeypointConfidence) {
			size = math.Abs(ls.Pos.X-rs.Pos.X) / float64(frameWidth)
		}
		s.index = i
		return Target{
			Index:      i,
			Person:     other,
			Point:      nose.Pos,
			Part:       PartFace,
			Confidence: nose.Confidence,
			Size:       size,
			Auto:       true,
		}, true
	}
	return Target{}, false
}

func (s *TargetSelector) extract(person DetectedPerson, frameWidth int) (Target, bool) {
	kp := person.Keypoints
	thr := s.cfg.KeypointConfidence
	target := Target{Person: person, Size: s.apparentSize(person, frameWidth)}

	if nose := kp[KeypointNose]; nose.Visible(thr) {
		target.Point = nose.Pos
		target.Part = PartFace
		target.Confidence = nose.Confidence
		return target, true
	}

	if mean, count := meanVisible(thr, kp[KeypointLeftShoulder], kp[KeypointRightShoulder]); count > 0 {
		lift := s.cfg.SingleShoulder
		if count == 2 {
			lift = math.Abs(kp[KeypointLeftShoulder].Pos.X-kp[KeypointRightShoulder].Pos.X) * s.cfg.BodyLift
		}
		target.Point = r2.Point{X: mean.X, Y: math.Max(0, mean.Y-lift)}
		target.Part = PartBody
		target.Confidence = 0.6
		return target, true
	}

	if mean, count := meanVisible(thr, kp[KeypointLeftHip], kp[KeypointRightHip]); count > 0 {
		target.Point = mean
		target.Part = PartHips
		target.Confidence = 0.5
		return target, true
	}
	return Target{}, false
}

func (s *TargetSelector) apparentSize(person DetectedPerson, frameWidth int) float64 {
	thr := s.cfg.KeypointConfidence
	kp := person.Keypoints
	var width float64
	if kp[KeypointLeftShoulder].Visible(thr) && kp[KeypointRightShoulder].Visible(thr) {
		width = math.Abs(kp[KeypointLeftShoulder].Pos.X - kp[KeypointRightShoulder].Pos.X)
	} else if kp[KeypointLeftHip].Visible(thr) && kp[KeypointRightHip].Visible(thr) {
		width = math.Abs(kp[KeypointLeftHip].Pos.X - kp[KeypointRightHip].Pos.X)
	}
	if width == 0 || frameWidth <= 0 {
		return s.cfg.DefaultSize
	}
	return width / float64(frameWidth)
}

func meanVisible(threshold float64, points ...Keypoint) (r2.Point, int) {
	var sum r2.Point
	count := 0
	for _, p := range points {
		if p.Visible(threshold) {
			sum = sum.Add(p.Pos)
			count++
		}
	}
	if count == 0 {
		return r2.Point{}, 0
	}
	return sum.Mul(1 / float64(count)), count
}
