// Bench tool for poking an STS arm without viam-server.
//
//	cli -port /dev/ttyUSB0 ping
//	cli -port /dev/ttyUSB0 read 3
//	cli -port /dev/ttyUSB0 goal 1 2048 500
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	soTracker "so_tracker"
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain() error {
	port := flag.String("port", "/dev/ttyUSB0", "serial port")
	baud := flag.Int("baud", 1000000, "baud rate")
	timeout := flag.Duration("timeout", 500*time.Millisecond, "response timeout")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <command> [args]\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "commands:")
		fmt.Fprintln(flag.CommandLine.Output(), "  ping                    ping joints 1-4")
		fmt.Fprintln(flag.CommandLine.Output(), "  read [joint]            position, voltage, temperature, status")
		fmt.Fprintln(flag.CommandLine.Output(), "  center <joint>          make the current pose read as 2048")
		fmt.Fprintln(flag.CommandLine.Output(), "  clear-limits [joint]    widen hardware limits to 0-4095")
		fmt.Fprintln(flag.CommandLine.Output(), "  torque <on|off> [joint] enable or release holding torque")
		fmt.Fprintln(flag.CommandLine.Output(), "  goal <joint> <pos> [speed]")
		fmt.Fprintln(flag.CommandLine.Output())
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		return errors.New("missing command")
	}

	logger := logging.NewLogger("sts-cli")
	if *debug {
		logger.SetLevel(logging.DEBUG)
	}

	cfg := soTracker.DefaultBusConfig(*port)
	cfg.Baudrate = *baud
	cfg.Timeout = *timeout
	cfg.Logger = logger

	bus, err := soTracker.NewBus(cfg, nil)
	if err != nil {
		return errors.Wrapf(err, "open %s", *port)
	}
	defer bus.Close()

	ctx := context.Background()
	args := flag.Args()[1:]

	switch flag.Arg(0) {
	case "ping":
		results := bus.PingAll(ctx, soTracker.JointIDs)
		for _, id := range soTracker.JointIDs {
			if err := results[id]; err != nil {
				logger.Warnf("joint %d: %v", id, err)
				continue
			}
			logger.Infof("joint %d: ok", id)
		}

	case "read":
		ids, err := jointsArg(args, 0)
		if err != nil {
			return err
		}
		for _, id := range ids {
			readJoint(bus, id, logger)
		}

	case "center":
		if len(args) < 1 {
			return errors.New("center needs a joint")
		}
		id, err := parseJoint(args[0])
		if err != nil {
			return err
		}
		if err := bus.CalibrateCenter(id); err != nil {
			return err
		}
		logger.Infof("joint %d centred", id)

	case "clear-limits":
		ids, err := jointsArg(args, 0)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := bus.ClearPositionLimits(id); err != nil {
				return errors.Wrapf(err, "joint %d", id)
			}
			logger.Infof("joint %d limits cleared", id)
		}

	case "torque":
		if len(args) < 1 || (args[0] != "on" && args[0] != "off") {
			return errors.New("torque needs on or off")
		}
		ids, err := jointsArg(args, 1)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := bus.SetTorque(id, args[0] == "on"); err != nil {
				return errors.Wrapf(err, "joint %d", id)
			}
		}
		logger.Infof("torque %s for joints %v", args[0], ids)

	case "goal":
		if len(args) < 2 {
			return errors.New("goal needs a joint and a position")
		}
		id, err := parseJoint(args[0])
		if err != nil {
			return err
		}
		pos, err := strconv.Atoi(args[1])
		if err != nil {
			return errors.Wrap(err, "position")
		}
		speed := 500
		if len(args) > 2 {
			if speed, err = strconv.Atoi(args[2]); err != nil {
				return errors.Wrap(err, "speed")
			}
		}
		joint := soTracker.DefaultCalibration.Joint(id)
		clamped := int(joint.Clamp(float64(pos)))
		if clamped != pos {
			logger.Warnf("position %d outside [%d, %d], sending %d", pos, joint.Min, joint.Max, clamped)
		}
		if err := bus.SetGoal(id, clamped, 0, speed); err != nil {
			return err
		}
		logger.Infof("joint %d -> %d at speed %d", id, clamped, speed)

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", flag.Arg(0))
	}
	return nil
}

func readJoint(bus *soTracker.Bus, id int, logger logging.Logger) {
	report, err := jointReport(bus, id)
	if err != nil {
		logger.Warnf("joint %d: %v", id, err)
		return
	}
	logger.Info(report)
}

// jointReport formats one joint's registers. Any read after the position that fails prints as unknown.
func jointReport(bus *soTracker.Bus, id int) (string, error) {
	pos, err := bus.ReadPosition(id)
	if err != nil {
		return "", err
	}
	volts, temp, moving, faults := "unknown", "unknown", "unknown", "unknown"
	if v, err := bus.ReadVoltage(id); err == nil {
		volts = fmt.Sprintf("%.1fV", v)
	}
	if c, err := bus.ReadTemperature(id); err == nil {
		temp = fmt.Sprintf("%dC", c)
	}
	if m, err := bus.Moving(id); err == nil {
		moving = strconv.FormatBool(m)
	}
	if status, err := bus.ReadStatus(id); err == nil {
		faults = fmt.Sprint(status.Faults())
	}
	return fmt.Sprintf("joint %d: position=%d voltage=%s temp=%s moving=%s faults=%s",
		id, pos, volts, temp, moving, faults), nil
}

// jointsArg returns the joint at args[i], or all joints when absent.
func jointsArg(args []string, i int) ([]int, error) {
	if len(args) <= i {
		return soTracker.JointIDs, nil
	}
	id, err := parseJoint(args[i])
	if err != nil {
		return nil, err
	}
	return []int{id}, nil
}

func parseJoint(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 1 || id > soTracker.NumJoints {
		return 0, fmt.Errorf("joint must be 1-%d, got %q", soTracker.NumJoints, s)
	}
	return id, nil
}
