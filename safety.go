package so_tracker

import (
	"fmt"
	"math"
)

// InterlockDirection says which way the driver joint must move past Threshold to engage.
type InterlockDirection int

const (
	Above InterlockDirection = iota
	Below
)

// InterlockBound says which bound of the restricted joint is tightened.
type InterlockBound int

const (
	UpperBound InterlockBound = iota
	LowerBound
)

// Interlock narrows one joint's range while another joint sits in the band past its threshold.
//
//	severity = clamp((driver - Threshold) / Band, 0, 1)   (mirrored for Below)
//	allowed  = Limit - severity*Shrink                   (UpperBound)
//	allowed  = Limit + severity*Shrink                   (LowerBound)
type Interlock struct {
	Name       string
	Driver     int
	Restricted int
	Threshold  float64
	Band       float64
	Direction  InterlockDirection
	Bound      InterlockBound
	Limit      float64
	Shrink     float64
}

// Severity is 0 when the driver is inside the threshold and 1 at the far end of the band.
func (il Interlock) Severity(driver float64) float64 {
	var s float64
	if il.Direction == Above {
		s = (driver - il.Threshold) / il.Band
	} else {
		s = (il.Threshold - driver) / il.Band
	}
	return math.Max(0, math.Min(1, s))
}

func (il Interlock) engaged(driver float64) bool {
	if il.Direction == Above {
		return driver > il.Threshold
	}
	return driver < il.Threshold
}

// Allowed returns the tightened bound for the restricted joint.
func (il Interlock) Allowed(driver float64) float64 {
	sev := il.Severity(driver)
	if il.Bound == UpperBound {
		return il.Limit - sev*il.Shrink
	}
	return il.Limit + sev*il.Shrink
}

// SafetyPolicy holds per-joint soft limits and the interlocks between joints.
type SafetyPolicy struct {
	joints     Calibration
	interlocks []Interlock
}

// NewSafetyPolicy validates the calibration and interlocks.
func NewSafetyPolicy(cal Calibration, interlocks ...Interlock) (*SafetyPolicy, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	for _, il := range interlocks {
		if il.Driver < 1 || il.Driver > NumJoints || il.Restricted < 1 || il.Restricted > NumJoints {
			return nil, fmt.Errorf("interlock %q: joint ids must be 1-%d", il.Name, NumJoints)
		}
		if il.Driver >= il.Restricted {
			return nil, fmt.Errorf("interlock %q: driver joint %d must sit below restricted joint %d",
				il.Name, il.Driver, il.Restricted)
		}
		if il.Band <= 0 {
			return nil, fmt.Errorf("interlock %q: band must be positive", il.Name)
		}
		if il.Shrink < 0 {
			return nil, fmt.Errorf("interlock %q: shrink must not be negative", il.Name)
		}
	}
	return &SafetyPolicy{
		joints:     cal,
		interlocks: append([]Interlock(nil), interlocks...),
	}, nil
}

// DefaultInterlocks returns the self-collision rules for the reference arm geometry.
func DefaultInterlocks(cal Calibration) []Interlock {
	shoulder := cal.Joint(JointShoulder)
	elbow := cal.Joint(JointElbow)
	wrist := cal.Joint(JointWrist)

	return []Interlock{
		{
			// elbow folding past 2400 forces the wrist down
			Name:       "elbow-fold-wrist",
			Driver:     JointElbow,
			Restricted: JointWrist,
			Threshold:  2400,
			Band:       500,
			Direction:  Above,
			Bound:      UpperBound,
			Limit:      2100,
			Shrink:     500,
		},
		{
			// shoulder fully extended: elbow and wrist may not extend further
			Name:       "shoulder-extend-elbow",
			Driver:     JointShoulder,
			Restricted: JointElbow,
			Threshold:  float64(shoulder.Min + 100),
			Band:       100,
			Direction:  Below,
			Bound:      UpperBound,
			Limit:      float64(elbow.Max),
			Shrink:     float64(elbow.Max - elbow.Center),
		},
		{
			Name:       "shoulder-extend-wrist",
			Driver:     JointShoulder,
			Restricted: JointWrist,
			Threshold:  float64(shoulder.Min + 100),
			Band:       100,
			Direction:  Below,
			Bound:      LowerBound,
			Limit:      float64(wrist.Min),
			Shrink:     float64(wrist.Center - wrist.Min),
		},
		{
			// shoulder fully contracted: elbow must stay on its extended side
			Name:       "shoulder-contract-elbow",
			Driver:     JointShoulder,
			Restricted: JointElbow,
			Threshold:  float64(shoulder.Max - 100),
			Band:       100,
			Direction:  Above,
			Bound:      LowerBound,
			Limit:      float64(elbow.Min),
			Shrink:     float64(elbow.Center - elbow.Min),
		},
	}
}

// DefaultSafetyPolicy builds the policy for cal with DefaultInterlocks.
func DefaultSafetyPolicy(cal Calibration) (*SafetyPolicy, error) {
	return NewSafetyPolicy(cal, DefaultInterlocks(cal)...)
}

func (p *SafetyPolicy) Calibration() Calibration {
	return p.joints
}

// Clamp applies the soft limit of joint id alone.
func (p *SafetyPolicy) Clamp(id int, x float64) float64 {
	return p.joints.Joint(id).Clamp(x)
}

// Bounds returns the effective [lo, hi] per joint for the proposed vector, after interlocks.
func (p *SafetyPolicy) Bounds(proposed JointTargetVector) [NumJoints][2]float64 {
	bounds, _ := p.resolve(proposed)
	return bounds
}

// Apply returns the proposal with soft limits and interlocks enforced. It never mutates proposed.
func (p *SafetyPolicy) Apply(proposed JointTargetVector) JointTargetVector {
	_, out := p.resolve(proposed)
	return out
}

// resolve limits joints from base to wrist. Each interlock reads its driver's already limited
// value, so a second pass changes nothing. Interlocks only ever narrow.
func (p *SafetyPolicy) resolve(proposed JointTargetVector) ([NumJoints][2]float64, JointTargetVector) {
	var bounds [NumJoints][2]float64
	var out JointTargetVector
	for _, id := range JointIDs {
		j := p.joints.Joint(id)
		lo, hi := float64(j.Min), float64(j.Max)
		for _, il := range p.interlocks {
			if il.Restricted != id {
				continue
			}
			driver := out.Get(il.Driver)
			if !il.engaged(driver) {
				continue
			}
			if il.Bound == UpperBound {
				hi = math.Min(hi, il.Allowed(driver))
			} else {
				lo = math.Max(lo, il.Allowed(driver))
			}
		}
		// two rules pulling in opposite directions: meet in the middle
		if lo > hi {
			mid := (lo + hi) / 2
			lo, hi = mid, mid
		}
		bounds[id-1] = [2]float64{lo, hi}
		out.Set(id, math.Max(lo, math.Min(hi, proposed.Get(id))))
	}
	return bounds, out
}
