package so_tracker

import (
	"fmt"
	"math"
)

// Joint ids on the bus, base to camera.
const (
	JointBase     = 1
	JointShoulder = 2
	JointElbow    = 3
	JointWrist    = 4

	NumJoints = 4

	// CenterPosition is the mechanical centre every joint is calibrated to.
	CenterPosition = 2048
)

// JointIDs lists every joint in base-to-wrist order.
var JointIDs = []int{JointBase, JointShoulder, JointElbow, JointWrist}

// Joint holds the calibration of one servo in raw protocol units.
type Joint struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Center int    `json:"center"`
	Min    int    `json:"min"`
	Max    int    `json:"max"`
	Home   int    `json:"home"`
}

// Validate checks min <= center <= max and min <= home <= max.
func (j Joint) Validate() error {
	if j.ID < 1 || j.ID > NumJoints {
		return fmt.Errorf("joint id must be 1-%d, got %d", NumJoints, j.ID)
	}
	if j.Min < 0 || j.Max > MaxPosition {
		return fmt.Errorf("joint %d: limits [%d, %d] outside 0-%d", j.ID, j.Min, j.Max, MaxPosition)
	}
	if j.Min > j.Center || j.Center > j.Max {
		return fmt.Errorf("joint %d: center %d outside [%d, %d]", j.ID, j.Center, j.Min, j.Max)
	}
	if j.Home < j.Min || j.Home > j.Max {
		return fmt.Errorf("joint %d: home %d outside [%d, %d]", j.ID, j.Home, j.Min, j.Max)
	}
	return nil
}

// Clamp bounds x to the joint's soft limits.
func (j Joint) Clamp(x float64) float64 {
	return math.Max(float64(j.Min), math.Min(float64(j.Max), x))
}

// Span is max - min.
func (j Joint) Span() int {
	return j.Max - j.Min
}

// Degrees converts a raw position to degrees from the joint centre.
func (j Joint) Degrees(raw int) float64 {
	return float64(raw-j.Center) * 360 / float64(MaxPosition+1)
}

// Calibration holds joints 1..4.
type Calibration [NumJoints]Joint

// Joint returns the calibration for id.
func (c Calibration) Joint(id int) Joint {
	return c[id-1]
}

func (c Calibration) Validate() error {
	for i, j := range c {
		if j.ID != i+1 {
			return fmt.Errorf("calibration slot %d holds joint %d", i+1, j.ID)
		}
		if err := j.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DefaultCalibration is the reference arm: shoulder small = extended, elbow large = extended,
// wrist small = extended.
var DefaultCalibration = Calibration{
	{ID: JointBase, Name: "base", Center: CenterPosition, Min: 1141, Max: 3225, Home: 2048},
	{ID: JointShoulder, Name: "shoulder", Center: CenterPosition, Min: 1600, Max: 2400, Home: 2400},
	{ID: JointElbow, Name: "elbow", Center: CenterPosition, Min: 1600, Max: 2900, Home: 1600},
	{ID: JointWrist, Name: "wrist", Center: CenterPosition, Min: 1500, Max: 2600, Home: 2600},
}

// JointTargetVector holds one target per joint. Fractional values accumulate between ticks and are
// rounded on transmission.
type JointTargetVector [NumJoints]float64

// CenteredTargets returns every joint at CenterPosition.
func CenteredTargets() JointTargetVector {
	var v JointTargetVector
	for i := range v {
		v[i] = CenterPosition
	}
	return v
}

func (v JointTargetVector) Get(id int) float64 {
	return v[id-1]
}

func (v *JointTargetVector) Set(id int, x float64) {
	v[id-1] = x
}

func (v *JointTargetVector) Add(id int, dx float64) {
	v[id-1] += dx
}

// Position returns the integer goal transmitted for id.
func (v JointTargetVector) Position(id int) int {
	return int(math.Round(v[id-1]))
}

// Map is the JSON-friendly form used in status responses.
func (v JointTargetVector) Map() map[string]interface{} {
	out := make(map[string]interface{}, NumJoints)
	for _, id := range JointIDs {
		out[fmt.Sprintf("joint_%d", id)] = v.Position(id)
	}
	return out
}
