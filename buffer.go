// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbuscore

import (
	"encoding/binary"
	"fmt"
)

const (
	// aduMaxSize is the largest ADU on either transport: 253 PDU bytes plus
	// the 7-byte MBAP header on TCP.
	aduMaxSize = 260
	// rtuMaxSize bounds an RTU ADU: unit id, PDU, CRC.
	rtuMaxSize = 256

	rtuHeaderSize = 1
	rtuCRCSize    = 2
	tcpHeaderSize = 7
)

// message is the per-handle scratch: a fixed ADU buffer with a read cursor,
// plus the header fields parsed out of (or destined for) the current frame.
// All multi-byte fields are big-endian on the wire.
type message struct {
	buf    [aduMaxSize]byte
	idx    uint16 // read cursor
	length uint16 // bytes valid in buf

	unitID        byte
	fc            byte
	transactionID uint16
	broadcast     bool
	ignored       bool
}

func (m *message) reset() {
	m.idx = 0
	m.length = 0
	m.unitID = 0
	m.fc = 0
	m.transactionID = 0
	m.broadcast = false
	m.ignored = false
}

// remaining returns the unread byte count between the cursor and the end of
// the buffered frame.
func (m *message) remaining() int {
	return int(m.length) - int(m.idx)
}

// Builder side. PDU payloads are laid down starting at the transport's PDU
// offset; the frame codec fills the header in front afterwards. Sizes are
// caller-verified against the per-FC schemas, so the putters do no bounds
// checking of their own.

func (m *message) putU8(v byte) {
	m.buf[m.length] = v
	m.length++
}

func (m *message) putU16(v uint16) {
	binary.BigEndian.PutUint16(m.buf[m.length:], v)
	m.length += 2
}

func (m *message) putBytes(p []byte) {
	copy(m.buf[m.length:], p)
	m.length += uint16(len(p))
}

// Parser side. The getters fail closed: walking past the buffered frame is an
// invalid response, never a read out of bounds.

func (m *message) getU8() (byte, error) {
	if m.remaining() < 1 {
		return 0, fmt.Errorf("%w: message truncated", ErrInvalidResponse)
	}
	v := m.buf[m.idx]
	m.idx++
	return v, nil
}

func (m *message) getU16() (uint16, error) {
	if m.remaining() < 2 {
		return 0, fmt.Errorf("%w: message truncated", ErrInvalidResponse)
	}
	v := binary.BigEndian.Uint16(m.buf[m.idx:])
	m.idx += 2
	return v, nil
}

func (m *message) getBytes(n int) ([]byte, error) {
	if m.remaining() < n {
		return nil, fmt.Errorf("%w: message truncated", ErrInvalidResponse)
	}
	p := m.buf[m.idx : int(m.idx)+n]
	m.idx += uint16(n)
	return p, nil
}
