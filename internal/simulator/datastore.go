// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"fmt"
	"sync"
)

const (
	// Maximum address space for each data type
	maxAddress = 65536
)

// DataStore represents the in-memory storage for Modbus data.
// It maintains four separate address spaces:
// - Coils: read/write single bits (function codes 1, 5, 15)
// - Discrete Inputs: read-only single bits (function code 2)
// - Holding Registers: read/write 16-bit registers (function codes 3, 6, 16)
// - Input Registers: read-only 16-bit registers (function code 4)
type DataStore struct {
	mu sync.RWMutex

	coils          []bool
	discreteInputs []bool
	holdingRegs    []uint16
	inputRegs      []uint16
}

// DataStoreConfig allows configuring initial values for the data store.
// If a map is nil, that address space starts zeroed.
type DataStoreConfig struct {
	Coils          map[uint16]bool   `json:"Coils,omitempty"`
	DiscreteInputs map[uint16]bool   `json:"DiscreteInputs,omitempty"`
	HoldingRegs    map[uint16]uint16 `json:"HoldingRegs,omitempty"`
	InputRegs      map[uint16]uint16 `json:"InputRegs,omitempty"`
}

// NewDataStore creates a new DataStore with optional initial configuration.
func NewDataStore(config *DataStoreConfig) *DataStore {
	ds := &DataStore{
		coils:          make([]bool, maxAddress),
		discreteInputs: make([]bool, maxAddress),
		holdingRegs:    make([]uint16, maxAddress),
		inputRegs:      make([]uint16, maxAddress),
	}

	if config != nil {
		for addr, val := range config.Coils {
			ds.coils[addr] = val
		}
		for addr, val := range config.DiscreteInputs {
			ds.discreteInputs[addr] = val
		}
		for addr, val := range config.HoldingRegs {
			ds.holdingRegs[addr] = val
		}
		for addr, val := range config.InputRegs {
			ds.inputRegs[addr] = val
		}
	}

	return ds
}

// validateRange checks that [address, address+quantity) fits the address
// space.
func (ds *DataStore) validateRange(address, quantity uint16) error {
	if int(address)+int(quantity) > maxAddress {
		return fmt.Errorf("address range %d+%d exceeds maximum %d", address, quantity, maxAddress)
	}
	return nil
}

// ReadCoils reads quantity coils starting at address.
func (ds *DataStore) ReadCoils(address, quantity uint16) ([]bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if err := ds.validateRange(address, quantity); err != nil {
		return nil, err
	}
	result := make([]bool, quantity)
	copy(result, ds.coils[address:int(address)+int(quantity)])
	return result, nil
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address.
func (ds *DataStore) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if err := ds.validateRange(address, quantity); err != nil {
		return nil, err
	}
	result := make([]bool, quantity)
	copy(result, ds.discreteInputs[address:int(address)+int(quantity)])
	return result, nil
}

// ReadHoldingRegisters reads quantity holding registers starting at address.
func (ds *DataStore) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if err := ds.validateRange(address, quantity); err != nil {
		return nil, err
	}
	result := make([]uint16, quantity)
	copy(result, ds.holdingRegs[address:int(address)+int(quantity)])
	return result, nil
}

// ReadInputRegisters reads quantity input registers starting at address.
func (ds *DataStore) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if err := ds.validateRange(address, quantity); err != nil {
		return nil, err
	}
	result := make([]uint16, quantity)
	copy(result, ds.inputRegs[address:int(address)+int(quantity)])
	return result, nil
}

// WriteSingleCoil writes a single coil at address.
func (ds *DataStore) WriteSingleCoil(address uint16, value bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	ds.coils[address] = value
	return nil
}

// WriteSingleRegister writes a single holding register at address.
func (ds *DataStore) WriteSingleRegister(address, value uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	ds.holdingRegs[address] = value
	return nil
}

// WriteMultipleCoils writes consecutive coils starting at address.
func (ds *DataStore) WriteMultipleCoils(address uint16, values []bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := ds.validateRange(address, uint16(len(values))); err != nil {
		return err
	}
	copy(ds.coils[address:], values)
	return nil
}

// WriteMultipleRegisters writes consecutive holding registers starting at
// address.
func (ds *DataStore) WriteMultipleRegisters(address uint16, values []uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := ds.validateRange(address, uint16(len(values))); err != nil {
		return err
	}
	copy(ds.holdingRegs[address:], values)
	return nil
}

// SetDiscreteInput sets a read-only discrete input, for seeding simulations.
func (ds *DataStore) SetDiscreteInput(address uint16, value bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	ds.discreteInputs[address] = value
}

// SetInputRegister sets a read-only input register, for seeding simulations.
func (ds *DataStore) SetInputRegister(address, value uint16) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	ds.inputRegs[address] = value
}
