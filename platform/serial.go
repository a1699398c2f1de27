// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package platform

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/lumberbarons/modbuscore"
)

// StopBits is the serial stop bit configuration.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// Parity is the serial parity configuration.
type Parity int

const (
	EvenParity Parity = iota
	NoParity
	OddParity
)

// Serial adapts a serial port to the modbuscore platform primitives. Serial
// links carry RTU framing, so Conf always selects the RTU transport.
type Serial struct {
	// Serial port configuration.
	Address  string
	BaudRate int
	DataBits int
	StopBits StopBits
	Parity   Parity
	// Transmission logger
	Logger *log.Logger

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port serial.Port
}

// NewSerial allocates a serial adapter with common Modbus line defaults.
func NewSerial(address string) *Serial {
	return &Serial{
		Address:  address,
		BaudRate: 19200,
		DataBits: 8,
		StopBits: OneStopBit,
		Parity:   EvenParity,
	}
}

// toSerialStopBits converts StopBits to the serial library representation.
func toSerialStopBits(sb StopBits) serial.StopBits {
	switch sb {
	case TwoStopBits:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

// toSerialParity converts Parity to the serial library representation.
func toSerialParity(p Parity) serial.Parity {
	switch p {
	case NoParity:
		return serial.NoParity
	case OddParity:
		return serial.OddParity
	default:
		return serial.EvenParity
	}
}

// Connect opens the serial port if it is not open yet.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}
	mode := &serial.Mode{
		BaudRate: s.BaudRate,
		DataBits: s.DataBits,
		StopBits: toSerialStopBits(s.StopBits),
		Parity:   toSerialParity(s.Parity),
	}
	port, err := serial.Open(s.Address, mode)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.Address, err)
	}
	s.port = port
	return nil
}

// Close closes the serial port if it is open.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.port != nil {
		err = s.port.Close()
		s.port = nil
	}
	return err
}

// Conf assembles an RTU PlatformConf over the port.
func (s *Serial) Conf() *modbuscore.PlatformConf {
	return &modbuscore.PlatformConf{
		Transport: modbuscore.RTU,
		ReadByte:  s.readByte,
		WriteByte: s.writeByte,
		Sleep:     sleep,
	}
}

func (s *Serial) readByte(deadlineMs int32, arg interface{}) (byte, int) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, modbuscore.IOErr
	}
	var timeout time.Duration = serial.NoTimeout
	if deadlineMs >= 0 {
		timeout = time.Duration(deadlineMs) * time.Millisecond
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		return 0, modbuscore.IOErr
	}
	var b [1]byte
	n, err := port.Read(b[:])
	if err != nil {
		s.logf("platform: serial read failed: %v", err)
		return 0, modbuscore.IOErr
	}
	if n == 0 {
		// The library reports an expired read timeout as a zero-byte read.
		return 0, modbuscore.IONoData
	}
	return b[0], modbuscore.IOOk
}

func (s *Serial) writeByte(b byte, deadlineMs int32, arg interface{}) int {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return modbuscore.IOErr
	}
	if _, err := port.Write([]byte{b}); err != nil {
		s.logf("platform: serial write failed: %v", err)
		return modbuscore.IOErr
	}
	return modbuscore.IOOk
}

func (s *Serial) logf(format string, v ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}
