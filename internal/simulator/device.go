// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"errors"

	"github.com/lumberbarons/modbuscore"
)

// Callbacks binds a DataStore to the core server callback set. Range errors
// from the store surface to the peer as illegal-data-address exceptions.
func Callbacks(ds *DataStore) *modbuscore.Callbacks {
	return &modbuscore.Callbacks{
		ReadCoils: func(address, quantity uint16, coils *modbuscore.Bitfield) error {
			values, err := ds.ReadCoils(address, quantity)
			if err != nil {
				return modbuscore.ExceptionIllegalDataAddress
			}
			for i, v := range values {
				coils.Set(uint16(i), v)
			}
			return nil
		},
		ReadDiscreteInputs: func(address, quantity uint16, inputs *modbuscore.Bitfield) error {
			values, err := ds.ReadDiscreteInputs(address, quantity)
			if err != nil {
				return modbuscore.ExceptionIllegalDataAddress
			}
			for i, v := range values {
				inputs.Set(uint16(i), v)
			}
			return nil
		},
		ReadHoldingRegisters: func(address, quantity uint16, registers []uint16) error {
			values, err := ds.ReadHoldingRegisters(address, quantity)
			if err != nil {
				return modbuscore.ExceptionIllegalDataAddress
			}
			copy(registers, values)
			return nil
		},
		ReadInputRegisters: func(address, quantity uint16, registers []uint16) error {
			values, err := ds.ReadInputRegisters(address, quantity)
			if err != nil {
				return modbuscore.ExceptionIllegalDataAddress
			}
			copy(registers, values)
			return nil
		},
		WriteSingleCoil: func(address uint16, value bool) error {
			if err := ds.WriteSingleCoil(address, value); err != nil {
				return modbuscore.ExceptionIllegalDataAddress
			}
			return nil
		},
		WriteSingleRegister: func(address, value uint16) error {
			if err := ds.WriteSingleRegister(address, value); err != nil {
				return modbuscore.ExceptionIllegalDataAddress
			}
			return nil
		},
		WriteMultipleCoils: func(address, quantity uint16, coils *modbuscore.Bitfield) error {
			values := make([]bool, quantity)
			for i := uint16(0); i < quantity; i++ {
				values[i] = coils.Get(i)
			}
			if err := ds.WriteMultipleCoils(address, values); err != nil {
				return modbuscore.ExceptionIllegalDataAddress
			}
			return nil
		},
		WriteMultipleRegisters: func(address, quantity uint16, registers []uint16) error {
			if err := ds.WriteMultipleRegisters(address, registers[:quantity]); err != nil {
				return modbuscore.ExceptionIllegalDataAddress
			}
			return nil
		},
	}
}

// pollLoop drives a core server until the stop channel closes or the
// transport dies.
func pollLoop(s *modbuscore.Server, stopChan <-chan struct{}, logf func(format string, v ...interface{})) {
	for {
		select {
		case <-stopChan:
			return
		default:
		}
		if err := s.Poll(); err != nil {
			if errors.Is(err, modbuscore.ErrTransport) {
				return
			}
			logf("poll: %v", err)
		}
	}
}
