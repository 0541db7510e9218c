package so_tracker

import (
	"fmt"

	"github.com/pkg/errors"
)

// Feetech STS protocol constants
const (
	packetHeader = 0xFF

	InstPing  byte = 0x01
	InstRead  byte = 0x02
	InstWrite byte = 0x03

	// Control table addresses (STS3215)
	RegMinPosition    byte = 0x09
	RegMaxPosition    byte = 0x0B
	RegTorqueEnable   byte = 0x28
	RegGoalPosition   byte = 0x2A
	RegGoalTime       byte = 0x2C
	RegGoalSpeed      byte = 0x2E
	RegPresentPos     byte = 0x38
	RegPresentVoltage byte = 0x3E
	RegPresentTemp    byte = 0x3F
	RegServoStatus    byte = 0x41
	RegMovingFlag     byte = 0x42

	// Writing this value to RegTorqueEnable makes the current pose the new 2048 centre.
	torqueCenterCalibrate byte = 128

	// header(2) + id + length + error + checksum
	statusOverhead = 6

	MaxPosition = 4095
	MaxSpeed    = 4095
	MaxMoveTime = 65535
)

var (
	ErrShortPacket = errors.New("short status packet")
	ErrBadHeader   = errors.New("bad packet header")
	ErrBadChecksum = errors.New("checksum mismatch")
)

// Packet is an instruction packet sent to a servo.
type Packet struct {
	ID          byte
	Instruction byte
	Params      []byte
}

// Checksum returns ^(id + length + instruction + sum(params)) & 0xFF.
func Checksum(id, length, instruction byte, params []byte) byte {
	sum := int(id) + int(length) + int(instruction)
	for _, p := range params {
		sum += int(p)
	}
	return byte(^sum & 0xFF)
}

// Encode frames the packet as FF FF id len inst params... checksum.
func (p Packet) Encode() []byte {
	length := byte(len(p.Params) + 2)
	buf := make([]byte, 0, len(p.Params)+6)
	buf = append(buf, packetHeader, packetHeader, p.ID, length, p.Instruction)
	buf = append(buf, p.Params...)
	return append(buf, Checksum(p.ID, length, p.Instruction, p.Params))
}

// DecodePacket parses an instruction packet, the inverse of Encode.
func DecodePacket(buf []byte) (Packet, error) {
	if len(buf) < statusOverhead {
		return Packet{}, ErrShortPacket
	}
	if buf[0] != packetHeader || buf[1] != packetHeader {
		return Packet{}, ErrBadHeader
	}
	length := int(buf[3])
	if length < 2 || len(buf) < length+4 {
		return Packet{}, ErrShortPacket
	}
	params := append([]byte(nil), buf[5:length+3]...)
	if Checksum(buf[2], buf[3], buf[4], params) != buf[length+3] {
		return Packet{}, ErrBadChecksum
	}
	return Packet{ID: buf[2], Instruction: buf[4], Params: params}, nil
}

// StatusPacket is a servo response: FF FF id len error params... checksum
type StatusPacket struct {
	ID     byte
	Error  byte
	Params []byte
}

// DecodeStatus parses a status packet carrying exactly n parameter bytes.
func DecodeStatus(buf []byte, n int) (StatusPacket, error) {
	if len(buf) < statusOverhead+n {
		return StatusPacket{}, errors.Wrapf(ErrShortPacket, "got %d bytes, want %d", len(buf), statusOverhead+n)
	}
	if buf[0] != packetHeader || buf[1] != packetHeader {
		return StatusPacket{}, ErrBadHeader
	}
	if int(buf[3]) != n+2 {
		return StatusPacket{}, fmt.Errorf("unexpected length field %d, want %d", buf[3], n+2)
	}
	params := append([]byte(nil), buf[5:5+n]...)
	if Checksum(buf[2], buf[3], buf[4], params) != buf[5+n] {
		return StatusPacket{}, ErrBadChecksum
	}
	return StatusPacket{ID: buf[2], Error: buf[4], Params: params}, nil
}

// EncodeStatus builds a status packet as a servo would send it.
func EncodeStatus(id, errByte byte, params []byte) []byte {
	length := byte(len(params) + 2)
	buf := []byte{packetHeader, packetHeader, id, length, errByte}
	buf = append(buf, params...)
	return append(buf, Checksum(id, length, errByte, params))
}

func le16(v int) []byte {
	return []byte{byte(v & 0xFF), byte((v >> 8) & 0xFF)}
}

// ServoStatus is the bitfield at RegServoStatus.
type ServoStatus byte

const (
	StatusVoltage ServoStatus = 1 << iota
	StatusSensor
	StatusTemperature
	StatusCurrent
	StatusAngle
	StatusOverload
)

var statusNames = []struct {
	bit  ServoStatus
	name string
}{
	{StatusVoltage, "voltage"},
	{StatusSensor, "sensor"},
	{StatusTemperature, "temperature"},
	{StatusCurrent, "current"},
	{StatusAngle, "angle"},
	{StatusOverload, "overload"},
}

func (s ServoStatus) Has(bit ServoStatus) bool {
	return s&bit != 0
}

// Flags returns every fault bit by name.
func (s ServoStatus) Flags() map[string]bool {
	flags := make(map[string]bool, len(statusNames))
	for _, sn := range statusNames {
		flags[sn.name] = s.Has(sn.bit)
	}
	return flags
}

// Faults returns the names of the set bits.
func (s ServoStatus) Faults() []string {
	var faults []string
	for _, sn := range statusNames {
		if s.Has(sn.bit) {
			faults = append(faults, sn.name)
		}
	}
	return faults
}
