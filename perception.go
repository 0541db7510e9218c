package so_tracker

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r2"
)

// COCO 17-point keypoint layout.
const (
	KeypointNose = iota
	KeypointLeftEye
	KeypointRightEye
	KeypointLeftEar
	KeypointRightEar
	KeypointLeftShoulder
	KeypointRightShoulder
	KeypointLeftElbow
	KeypointRightElbow
	KeypointLeftWrist
	KeypointRightWrist
	KeypointLeftHip
	KeypointRightHip
	KeypointLeftKnee
	KeypointRightKnee
	KeypointLeftAnkle
	KeypointRightAnkle

	NumKeypoints
)

// Keypoint is one pixel-space landmark with its detector confidence.
type Keypoint struct {
	Pos        r2.Point
	Confidence float64
}

// Visible reports whether the keypoint's confidence exceeds threshold.
func (k Keypoint) Visible(threshold float64) bool {
	return k.Confidence > threshold
}

type BoundingBox struct {
	X1, Y1, X2, Y2 float64
}

// DetectedPerson is one perception result for a frame. Read-only to the tracker.
type DetectedPerson struct {
	BBox       BoundingBox
	Confidence float64
	Keypoints  [NumKeypoints]Keypoint
}

// Frame is one perception result set with the frame size it was computed on.
type Frame struct {
	Width   int
	Height  int
	Persons []DetectedPerson
}

// wire form accepted over DoCommand
type personPayload struct {
	BBox       []float64   `mapstructure:"bbox"`
	Confidence float64     `mapstructure:"confidence"`
	Keypoints  [][]float64 `mapstructure:"keypoints"`
}

type framePayload struct {
	Width   int             `mapstructure:"width"`
	Height  int             `mapstructure:"height"`
	Persons []personPayload `mapstructure:"persons"`
}

// DecodeFrame converts a DoCommand payload into a Frame:
//
//	{"width": 640, "height": 480, "persons": [{"bbox": [x1,y1,x2,y2], "confidence": 0.9,
//	  "keypoints": [[x, y, conf], ... 17 entries]}]}
func DecodeFrame(raw map[string]interface{}) (Frame, error) {
	var payload framePayload
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &payload,
	})
	if err != nil {
		return Frame{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Frame{}, fmt.Errorf("invalid detections payload: %w", err)
	}
	if payload.Width <= 0 || payload.Height <= 0 {
		return Frame{}, fmt.Errorf("frame size must be positive, got %dx%d", payload.Width, payload.Height)
	}

	frame := Frame{Width: payload.Width, Height: payload.Height}
	for i, pp := range payload.Persons {
		person, err := pp.toPerson()
		if err != nil {
			return Frame{}, fmt.Errorf("person %d: %w", i, err)
		}
		frame.Persons = append(frame.Persons, person)
	}
	return frame, nil
}

func (pp personPayload) toPerson() (DetectedPerson, error) {
	person := DetectedPerson{Confidence: pp.Confidence}
	switch len(pp.BBox) {
	case 0:
	case 4:
		person.BBox = BoundingBox{X1: pp.BBox[0], Y1: pp.BBox[1], X2: pp.BBox[2], Y2: pp.BBox[3]}
	default:
		return DetectedPerson{}, fmt.Errorf("bbox needs 4 values, got %d", len(pp.BBox))
	}
	if len(pp.Keypoints) > NumKeypoints {
		return DetectedPerson{}, fmt.Errorf("at most %d keypoints, got %d", NumKeypoints, len(pp.Keypoints))
	}
	// missing trailing keypoints stay at zero confidence
	for i, kp := range pp.Keypoints {
		if len(kp) < 3 {
			return DetectedPerson{}, fmt.Errorf("keypoint %d needs [x, y, confidence]", i)
		}
		person.Keypoints[i] = Keypoint{Pos: r2.Point{X: kp[0], Y: kp[1]}, Confidence: kp[2]}
	}
	return person, nil
}
