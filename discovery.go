package so_tracker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	genericservice "go.viam.com/rdk/services/generic"
)

var DiscoveryModel = resource.NewModel("devrel", "sts-tracker", "discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct {
	Baudrate int `json:"baudrate,omitempty"`
	// ProbeTimeoutMs bounds each ping while probing a port.
	ProbeTimeoutMs int `json:"probe_timeout_ms,omitempty"`
}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	return nil, nil, nil
}

type stsDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger

	baudrate     int
	probeTimeout time.Duration
	open         PortOpener
	enumerate    func() []string
	dataDir      string
}

func newDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	dis := &stsDiscovery{
		Named:        conf.ResourceName().AsNamed(),
		logger:       logger,
		baudrate:     defaultBaudrate,
		probeTimeout: 100 * time.Millisecond,
		open:         OpenSerialPort,
		enumerate:    enumerateSerialPorts,
		dataDir:      resolveModuleDataPath(""),
	}
	if cfg.Baudrate != 0 {
		dis.baudrate = cfg.Baudrate
	}
	if cfg.ProbeTimeoutMs > 0 {
		dis.probeTimeout = time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond
	}
	return dis, nil
}

// DiscoverResources scans serial ports for a four-joint STS arm and returns tracker and diagnostics configs.
func (dis *stsDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting STS arm discovery")

	allPorts := dis.enumerate()
	dis.logger.Debugf("Found %d total serial ports", len(allPorts))

	candidates := filterCandidatePorts(allPorts)
	dis.logger.Debugf("Filtered to %d candidate ports", len(candidates))

	var allConfigs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return allConfigs, ctx.Err()
		default:
		}

		allConfigs = append(allConfigs, dis.discoverPort(ctx, portPath)...)
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No STS arms discovered")
	} else {
		dis.logger.Infof("Discovered %d resource configurations", len(allConfigs))
	}
	return allConfigs, nil
}

func (dis *stsDiscovery) discoverPort(ctx context.Context, portPath string) []resource.Config {
	dis.logger.Debugf("Checking port %s", portPath)

	answered := dis.pingJoints(ctx, portPath)
	if len(answered) == 0 {
		dis.logger.Debugf("No STS servos detected on %s", portPath)
		return nil
	}
	dis.logger.Infof("Discovered STS servos %v on %s", answered, portPath)

	portSuffix := extractPortSuffix(portPath)
	calibrationFile := findCalibrationFile(dis.dataDir, portSuffix, dis.logger)
	return generateConfigs(portPath, portSuffix, answered, calibrationFile)
}

// pingJoints returns the joint ids that answered on portPath. The bus is private to the probe and
// never enters the shared registry.
func (dis *stsDiscovery) pingJoints(ctx context.Context, portPath string) []int {
	cfg := DefaultBusConfig(portPath)
	cfg.Baudrate = dis.baudrate
	cfg.Timeout = dis.probeTimeout
	cfg.PingRetries = 1
	cfg.PingBackoff = 0
	cfg.Logger = dis.logger

	bus, err := NewBus(cfg, dis.open)
	if err != nil {
		dis.logger.Debugf("Failed to open port %s: %v", portPath, err)
		return nil
	}
	defer bus.Close()

	var answered []int
	results := bus.PingAll(ctx, JointIDs)
	for _, id := range JointIDs {
		if results[id] == nil {
			answered = append(answered, id)
		}
	}
	return answered
}

// generateConfigs always emits a diagnostics sensor, and a tracker only when the whole arm answered.
func generateConfigs(portPath, portSuffix string, answered []int, calibrationFile string) []resource.Config {
	attrs := func() map[string]interface{} {
		a := map[string]interface{}{"port": portPath}
		if calibrationFile != "" {
			a["calibration_file"] = calibrationFile
		}
		return a
	}

	var configs []resource.Config
	if len(answered) == NumJoints {
		configs = append(configs, resource.Config{
			Name:       "sts-tracker-" + portSuffix,
			API:        genericservice.API,
			Model:      TrackerModel,
			Attributes: attrs(),
		})
	}

	diag := attrs()
	if len(answered) != NumJoints {
		joints := make([]interface{}, 0, len(answered))
		for _, id := range answered {
			joints = append(joints, id)
		}
		diag["joints"] = joints
	}
	configs = append(configs, resource.Config{
		Name:       "sts-diagnostics-" + portSuffix,
		API:        sensor.API,
		Model:      DiagnosticsModel,
		Attributes: diag,
	})
	return configs
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port looks like a USB serial adapter
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/cu.usbmodem*, /dev/cu.usbserial*
	for _, prefix := range []string{"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial"} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	// Windows: COM*
	return strings.HasPrefix(port, "COM")
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// COM3 -> "COM3"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)

	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// findCalibrationFile looks for ttyUSB0_calibration.json, then the default file, in moduleDataDir.
// Returns just the filename, or "" when neither exists.
func findCalibrationFile(moduleDataDir, portSuffix string, logger logging.Logger) string {
	portSpecific := portSuffix + "_calibration.json"
	if _, err := os.Stat(filepath.Join(moduleDataDir, portSpecific)); err == nil {
		logger.Debugf("Found port-specific calibration file: %s", portSpecific)
		return portSpecific
	}

	if _, err := os.Stat(filepath.Join(moduleDataDir, defaultCalibrationFile)); err == nil {
		logger.Debugf("Found default calibration file: %s", defaultCalibrationFile)
		return defaultCalibrationFile
	}

	logger.Debug("No calibration file found")
	return ""
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
