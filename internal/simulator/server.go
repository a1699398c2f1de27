// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/lumberbarons/modbuscore"
	"github.com/lumberbarons/modbuscore/platform"
)

// RTUServer simulates a Modbus RTU device on a pseudo-terminal. Clients open
// ClientDevicePath like a serial port.
type RTUServer struct {
	server   *modbuscore.Server
	pty      *PtyPair
	slaveID  byte
	logger   *log.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// RTUServerConfig holds configuration for the RTU server.
type RTUServerConfig struct {
	SlaveID byte
	Logger  *log.Logger
}

// NewRTUServer creates a new RTU server with the given data store and
// configuration.
func NewRTUServer(ds *DataStore, config *RTUServerConfig) (*RTUServer, error) {
	if config == nil {
		config = &RTUServerConfig{}
	}
	if config.SlaveID == 0 {
		config.SlaveID = 1
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "rtu-server: ", log.LstdFlags)
	}

	ptyPair, err := CreatePtyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to create pty: %w", err)
	}

	stream := platform.NewStream(ptyPair.Master)
	server, err := modbuscore.NewServer(config.SlaveID, stream.Conf(modbuscore.RTU), Callbacks(ds))
	if err != nil {
		ptyPair.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	// A short poll timeout keeps the serve loop responsive to Stop.
	server.SetReadTimeout(200)

	return &RTUServer{
		server:   server,
		pty:      ptyPair,
		slaveID:  config.SlaveID,
		logger:   config.Logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// ClientDevicePath returns the device path that clients should connect to.
func (s *RTUServer) ClientDevicePath() string {
	return s.pty.SlavePath
}

// Start starts the RTU server in a goroutine.
func (s *RTUServer) Start() error {
	go s.serve()
	// Give the server time to fully initialize
	time.Sleep(50 * time.Millisecond)
	return nil
}

// Stop stops the RTU server and waits for it to finish.
func (s *RTUServer) Stop() error {
	close(s.stopChan)

	select {
	case <-s.doneChan:
	case <-time.After(time.Second):
		s.logger.Printf("RTU server stop timed out")
	}

	return s.pty.Close()
}

func (s *RTUServer) serve() {
	defer close(s.doneChan)
	s.logger.Printf("RTU server listening - server pty: %s, client pty: %s (slave ID: %d)",
		s.pty.MasterPath, s.pty.SlavePath, s.slaveID)
	pollLoop(s.server, s.stopChan, s.logger.Printf)
}
