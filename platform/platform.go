// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package platform provides host-side byte I/O adapters for the modbuscore
transport primitives: deadline-capable byte streams (net.Conn, pty and other
os.File streams) and serial ports.
*/
package platform

import (
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/lumberbarons/modbuscore"
)

// Conn is the stream a Stream adapter drives. net.Conn and *os.File both
// satisfy it.
type Conn interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Stream adapts a deadline-capable byte stream to the modbuscore platform
// primitives. The zero deadline means block forever, matching a negative
// timeout on the modbuscore side.
type Stream struct {
	// Transmission logger
	Logger *log.Logger

	mu   sync.Mutex
	conn Conn
}

// NewStream wraps an open stream. The caller keeps ownership: closing the
// stream is the caller's business.
func NewStream(conn Conn) *Stream {
	return &Stream{conn: conn}
}

// Conf assembles a PlatformConf over the stream for the given transport.
func (s *Stream) Conf(transport modbuscore.Transport) *modbuscore.PlatformConf {
	return &modbuscore.PlatformConf{
		Transport: transport,
		ReadByte:  s.readByte,
		WriteByte: s.writeByte,
		Sleep:     sleep,
	}
}

func (s *Stream) readByte(deadlineMs int32, arg interface{}) (byte, int) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, modbuscore.IOErr
	}
	var deadline time.Time
	if deadlineMs >= 0 {
		deadline = time.Now().Add(time.Duration(deadlineMs) * time.Millisecond)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		// Streams without deadline support still work, they just block.
		s.logf("platform: read deadline not supported: %v", err)
	}
	var b [1]byte
	for {
		n, err := conn.Read(b[:])
		if n == 1 {
			return b[0], modbuscore.IOOk
		}
		if err != nil {
			if os.IsTimeout(err) {
				return 0, modbuscore.IONoData
			}
			s.logf("platform: read failed: %v", err)
			return 0, modbuscore.IOErr
		}
	}
}

func (s *Stream) writeByte(b byte, deadlineMs int32, arg interface{}) int {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return modbuscore.IOErr
	}
	var deadline time.Time
	if deadlineMs >= 0 {
		deadline = time.Now().Add(time.Duration(deadlineMs) * time.Millisecond)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		s.logf("platform: write deadline not supported: %v", err)
	}
	if _, err := conn.Write([]byte{b}); err != nil {
		if os.IsTimeout(err) {
			return modbuscore.IONoData
		}
		s.logf("platform: write failed: %v", err)
		return modbuscore.IOErr
	}
	return modbuscore.IOOk
}

func (s *Stream) logf(format string, v ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

func sleep(ms uint32, arg interface{}) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
