package so_tracker

import (
	"math"

	"github.com/golang/geo/r2"
)

// MotionConfig holds the proportional gains of the tracking controller.
type MotionConfig struct {
	DeadZone   float64
	GainX      float64
	GainY      float64
	SpeedBoost float64

	ElbowRatio float64
	WristRatio float64
	// WristLinkage counter-rotates the wrist against the shoulder to keep the camera level.
	WristLinkage float64

	TargetSize         float64
	SizeTolerance      float64
	DistanceGain       float64
	ElbowDistanceRatio float64

	YawLimit   float64
	PitchLimit float64
	LimitSlope float64
}

func DefaultMotionConfig() MotionConfig {
	return MotionConfig{
		DeadZone:           0.03,
		GainX:              40,
		GainY:              30,
		SpeedBoost:         5,
		ElbowRatio:         0.6,
		WristRatio:         1.2,
		WristLinkage:       0.8,
		TargetSize:         0.25,
		SizeTolerance:      0.05,
		DistanceGain:       15,
		ElbowDistanceRatio: 1.2,
		YawLimit:           100,
		PitchLimit:         80,
		LimitSlope:         1000,
	}
}

// JointDeltas are per-tick increments. Wrist is the raw tracking term, before linkage.
type JointDeltas struct {
	Base, Shoulder, Elbow, Wrist float64
}

type MotionController struct {
	cfg MotionConfig
}

func NewMotionController(cfg MotionConfig) *MotionController {
	return &MotionController{cfg: cfg}
}

// Compute turns the offset of point from the frame centre into joint increments.
// It returns false inside the dead zone.
func (m *MotionController) Compute(point r2.Point, size float64, frameWidth, frameHeight int) (JointDeltas, bool) {
	w, h := float64(frameWidth), float64(frameHeight)
	dx := (point.X - w/2) / w
	dy := (point.Y - h/2) / h
	if math.Abs(dx) < m.cfg.DeadZone && math.Abs(dy) < m.cfg.DeadZone {
		return JointDeltas{}, false
	}

	speedX := 1 + math.Abs(dx)*m.cfg.SpeedBoost
	speedY := 1 + math.Abs(dy)*m.cfg.SpeedBoost

	d := JointDeltas{
		Base:     -dx * m.cfg.GainX * speedX,
		Shoulder: dy * m.cfg.GainY * speedY,
		Elbow:    dy * m.cfg.GainY * m.cfg.ElbowRatio * speedY,
		Wrist:    dy * m.cfg.GainY * m.cfg.WristRatio * speedY,
	}

	// too close: pull back (shoulder up, elbow in); too far: reach out
	if z := size - m.cfg.TargetSize; math.Abs(z) > m.cfg.SizeTolerance {
		zDelta := z * m.cfg.DistanceGain
		d.Shoulder += zDelta
		d.Elbow -= zDelta * m.cfg.ElbowDistanceRatio
	}

	limitX := m.cfg.YawLimit + math.Trunc(math.Abs(dx)*m.cfg.LimitSlope)
	limitY := m.cfg.PitchLimit + math.Trunc(math.Abs(dy)*m.cfg.LimitSlope)
	d.Base = clampFloat(d.Base, -limitX, limitX)
	d.Shoulder = clampFloat(d.Shoulder, -limitY, limitY)
	d.Elbow = clampFloat(d.Elbow, -limitY, limitY)
	d.Wrist = clampFloat(d.Wrist, -limitY, limitY)
	return d, true
}

// EffectiveWrist is the wrist increment after shoulder linkage.
func (m *MotionController) EffectiveWrist(d JointDeltas) float64 {
	return d.Wrist - d.Shoulder*m.cfg.WristLinkage
}

// Accumulate adds d to v. The caller runs the result through the safety policy.
func (m *MotionController) Accumulate(v *JointTargetVector, d JointDeltas) {
	v.Add(JointBase, d.Base)
	v.Add(JointShoulder, d.Shoulder)
	v.Add(JointElbow, d.Elbow)
	v.Add(JointWrist, m.EffectiveWrist(d))
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
