// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbuscore

import (
	"sync"
	"testing"
	"time"
)

// pipeHost joins two handles with buffered byte channels, the closest
// in-process stand-in for a serial link or socket.
type pipeHost struct {
	rx <-chan byte
	tx chan<- byte
}

func (p *pipeHost) conf(transport Transport) *PlatformConf {
	return &PlatformConf{
		Transport: transport,
		ReadByte: func(deadlineMs int32, arg interface{}) (byte, int) {
			if deadlineMs < 0 {
				return <-p.rx, IOOk
			}
			select {
			case b := <-p.rx:
				return b, IOOk
			case <-time.After(time.Duration(deadlineMs) * time.Millisecond):
				return 0, IONoData
			}
		},
		WriteByte: func(b byte, deadlineMs int32, arg interface{}) int {
			p.tx <- b
			return IOOk
		},
		Sleep: func(ms uint32, arg interface{}) {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		},
	}
}

// pipePair returns two connected hosts.
func pipePair() (*pipeHost, *pipeHost) {
	a := make(chan byte, aduMaxSize)
	b := make(chan byte, aduMaxSize)
	return &pipeHost{rx: a, tx: b}, &pipeHost{rx: b, tx: a}
}

// memoryDevice is a small data model behind the server callbacks.
type memoryDevice struct {
	mu             sync.Mutex
	coils          Bitfield
	discreteInputs Bitfield
	holdingRegs    [65536]uint16
	inputRegs      [65536]uint16
}

func (d *memoryDevice) callbacks() *Callbacks {
	return &Callbacks{
		ReadCoils: func(address, quantity uint16, coils *Bitfield) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i := uint16(0); i < quantity; i++ {
				coils.Set(i, d.coils.Get(address+i))
			}
			return nil
		},
		ReadDiscreteInputs: func(address, quantity uint16, inputs *Bitfield) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i := uint16(0); i < quantity; i++ {
				inputs.Set(i, d.discreteInputs.Get(address+i))
			}
			return nil
		},
		ReadHoldingRegisters: func(address, quantity uint16, registers []uint16) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			copy(registers, d.holdingRegs[address:int(address)+int(quantity)])
			return nil
		},
		ReadInputRegisters: func(address, quantity uint16, registers []uint16) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			copy(registers, d.inputRegs[address:int(address)+int(quantity)])
			return nil
		},
		WriteSingleCoil: func(address uint16, value bool) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.coils.Set(address, value)
			return nil
		},
		WriteSingleRegister: func(address, value uint16) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.holdingRegs[address] = value
			return nil
		},
		WriteMultipleCoils: func(address, quantity uint16, coils *Bitfield) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i := uint16(0); i < quantity; i++ {
				d.coils.Set(address+i, coils.Get(i))
			}
			return nil
		},
		WriteMultipleRegisters: func(address, quantity uint16, registers []uint16) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			copy(d.holdingRegs[address:], registers[:quantity])
			return nil
		},
	}
}

// startLoopbackServer polls the server until the test ends.
func startLoopbackServer(t *testing.T, s *Server) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := s.Poll(); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { close(done) })
}

func testLoopback(t *testing.T, transport Transport) {
	clientHost, serverHost := pipePair()
	device := &memoryDevice{}

	s, err := NewServer(0x2A, serverHost.conf(transport), device.callbacks())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	s.SetReadTimeout(20)

	c, err := NewClient(clientHost.conf(transport))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.SetReadTimeout(2000)
	c.SetDestinationRTUAddress(0x2A)

	startLoopbackServer(t, s)

	// Registers: write a block, read it back, rewrite one, read again.
	if err := c.WriteMultipleRegisters(100, 3, []uint16{0x022B, 0x0000, 0x0064}); err != nil {
		t.Fatalf("WriteMultipleRegisters: %v", err)
	}
	var registers [3]uint16
	if err := c.ReadHoldingRegisters(100, 3, registers[:]); err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if registers != [3]uint16{0x022B, 0x0000, 0x0064} {
		t.Fatalf("registers expected [022b 0000 0064], actual %04x", registers)
	}
	if err := c.WriteSingleRegister(101, 0xBEEF); err != nil {
		t.Fatalf("WriteSingleRegister: %v", err)
	}
	if err := c.ReadHoldingRegisters(101, 1, registers[:1]); err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if registers[0] != 0xBEEF {
		t.Fatalf("register expected beef, actual %04x", registers[0])
	}

	// Coils: a bit pattern survives write-multiple and read-coils intact.
	var pattern Bitfield
	for i := uint16(0); i < 19; i++ {
		pattern.Set(i, i%3 == 0 || i%7 == 0)
	}
	if err := c.WriteMultipleCoils(8, 19, &pattern); err != nil {
		t.Fatalf("WriteMultipleCoils: %v", err)
	}
	var coils Bitfield
	if err := c.ReadCoils(8, 19, &coils); err != nil {
		t.Fatalf("ReadCoils: %v", err)
	}
	for i := uint16(0); i < 19; i++ {
		if coils.Get(i) != pattern.Get(i) {
			t.Fatalf("coil %v expected %v", i, pattern.Get(i))
		}
	}

	if err := c.WriteSingleCoil(8, false); err != nil {
		t.Fatalf("WriteSingleCoil: %v", err)
	}
	if err := c.ReadCoils(8, 1, &coils); err != nil {
		t.Fatalf("ReadCoils: %v", err)
	}
	if coils.Get(0) {
		t.Fatalf("coil 8 expected cleared")
	}
}

func TestLoopbackRTU(t *testing.T) {
	testLoopback(t, RTU)
}

func TestLoopbackTCP(t *testing.T) {
	testLoopback(t, TCP)
}

func TestLoopbackDiscreteAndInputSpaces(t *testing.T) {
	clientHost, serverHost := pipePair()
	device := &memoryDevice{}
	device.discreteInputs.Set(2, true)
	device.inputRegs[7] = 0x0102

	s, err := NewServer(5, serverHost.conf(RTU), device.callbacks())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	s.SetReadTimeout(20)

	c, err := NewClient(clientHost.conf(RTU))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.SetDestinationRTUAddress(5)

	startLoopbackServer(t, s)

	var inputs Bitfield
	if err := c.ReadDiscreteInputs(0, 4, &inputs); err != nil {
		t.Fatalf("ReadDiscreteInputs: %v", err)
	}
	if !inputs.Get(2) || inputs.Get(0) {
		t.Fatalf("discrete inputs expected bit 2 only, actual % x", inputs[:1])
	}

	var registers [1]uint16
	if err := c.ReadInputRegisters(7, 1, registers[:]); err != nil {
		t.Fatalf("ReadInputRegisters: %v", err)
	}
	if registers[0] != 0x0102 {
		t.Fatalf("input register expected 0102, actual %04x", registers[0])
	}
}
