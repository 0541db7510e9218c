package so_tracker

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const defaultCalibrationFile = "sts_tracker_calibration.json"

// CalibrationFileFormat is the on-disk calibration. Missing joints fall back to defaults.
type CalibrationFileFormat struct {
	Base     *Joint `json:"base"`
	Shoulder *Joint `json:"shoulder"`
	Elbow    *Joint `json:"elbow"`
	Wrist    *Joint `json:"wrist"`
}

func (f CalibrationFileFormat) entries() []*Joint {
	return []*Joint{f.Base, f.Shoulder, f.Elbow, f.Wrist}
}

// resolveModuleDataPath makes relative paths relative to VIAM_MODULE_DATA.
func resolveModuleDataPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, path)
}

// calibrationPath is the configured file, or the module's default file when none is set.
// The tracker and the diagnostics sensor must resolve the same file.
func calibrationPath(configured string) string {
	if configured == "" {
		return defaultCalibrationFile
	}
	return configured
}

// LoadCalibration loads calibration from path or returns the default calibration.
// Returns (calibration, fromFile) where fromFile indicates if loaded from file
func LoadCalibration(path string, logger logging.Logger) (Calibration, bool) {
	if path == "" {
		logger.Debug("No calibration file specified, using default calibration")
		return DefaultCalibration, false
	}

	path = resolveModuleDataPath(path)
	calibration, err := LoadCalibrationFromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Infof("No calibration at %s, using default calibration", path)
		return DefaultCalibration, false
	}
	if err != nil {
		logger.Warnf("Failed to load calibration from %s: %v, using default calibration", path, err)
		return DefaultCalibration, false
	}

	logger.Infof("Loaded calibration from %s", path)
	return calibration, true
}

// LoadCalibrationFromFile loads and validates calibration from a JSON file
func LoadCalibrationFromFile(filePath string) (Calibration, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Calibration{}, fmt.Errorf("failed to read calibration file: %w", err)
	}

	var fileFormat CalibrationFileFormat
	if err := json.Unmarshal(data, &fileFormat); err != nil {
		return Calibration{}, fmt.Errorf("failed to parse calibration JSON: %w", err)
	}

	calibration := DefaultCalibration
	for i, entry := range fileFormat.entries() {
		if entry == nil {
			continue
		}
		joint := *entry
		if joint.ID == 0 {
			joint.ID = i + 1
		}
		if joint.Name == "" {
			joint.Name = DefaultCalibration[i].Name
		}
		calibration[i] = joint
	}

	if err := calibration.Validate(); err != nil {
		return Calibration{}, fmt.Errorf("calibration validation failed: %w", err)
	}

	return calibration, nil
}

// SaveCalibrationToFile saves calibration to a JSON file
func SaveCalibrationToFile(filePath string, calibration Calibration) error {
	if err := calibration.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid calibration: %w", err)
	}

	fileFormat := CalibrationFileFormat{
		Base:     &calibration[0],
		Shoulder: &calibration[1],
		Elbow:    &calibration[2],
		Wrist:    &calibration[3],
	}

	data, err := json.MarshalIndent(fileFormat, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal calibration: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write calibration file: %w", err)
	}

	return nil
}
