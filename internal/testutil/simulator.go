// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package testutil

import (
	"log"
	"testing"

	"github.com/lumberbarons/modbuscore/internal/simulator"
)

// SimulatorOption configures a simulated device.
type SimulatorOption func(*simulatorConfig)

type simulatorConfig struct {
	slaveID byte
	config  *simulator.DataStoreConfig
}

// WithSlaveID sets the slave ID for the simulator.
func WithSlaveID(id byte) SimulatorOption {
	return func(c *simulatorConfig) {
		c.slaveID = id
	}
}

// WithDataStoreConfig sets initial data values for the simulator.
func WithDataStoreConfig(config *simulator.DataStoreConfig) SimulatorOption {
	return func(c *simulatorConfig) {
		c.config = config
	}
}

func applyOptions(opts []SimulatorOption) *simulatorConfig {
	config := &simulatorConfig{slaveID: 1}
	for _, opt := range opts {
		opt(config)
	}
	return config
}

// StartRTUSimulator creates and starts an RTU Modbus simulator for testing.
// It returns the backing data store and the device path clients should open;
// the simulator stops when the test ends.
func StartRTUSimulator(t *testing.T, opts ...SimulatorOption) (ds *simulator.DataStore, devicePath string) {
	t.Helper()

	config := applyOptions(opts)
	ds = simulator.NewDataStore(config.config)

	server, err := simulator.NewRTUServer(ds, &simulator.RTUServerConfig{
		SlaveID: config.slaveID,
		Logger:  log.New(testWriter{t}, "rtu-server: ", 0),
	})
	if err != nil {
		t.Fatalf("failed to create RTU simulator: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start RTU simulator: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Logf("failed to stop RTU simulator: %v", err)
		}
	})

	return ds, server.ClientDevicePath()
}

// StartTCPSimulator creates and starts a TCP Modbus simulator for testing.
// It returns the backing data store and the listen address; the simulator
// stops when the test ends.
func StartTCPSimulator(t *testing.T, opts ...SimulatorOption) (ds *simulator.DataStore, address string) {
	t.Helper()

	config := applyOptions(opts)
	ds = simulator.NewDataStore(config.config)

	server, err := simulator.NewTCPServer(ds, &simulator.TCPServerConfig{
		Logger: log.New(testWriter{t}, "tcp-server: ", 0),
	})
	if err != nil {
		t.Fatalf("failed to create TCP simulator: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start TCP simulator: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Logf("failed to stop TCP simulator: %v", err)
		}
	})

	return ds, server.Address()
}

// testWriter routes simulator logs through the test log.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
