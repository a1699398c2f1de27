// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbuscore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000

	// tcpUnitID is sent in client requests; MBAP routing happens at the
	// connection level, so the unit id is the conventional "not used" value.
	tcpUnitID byte = 0xFF
)

// sendTCPFrame prefixes the MBAP header and transmits the ADU:
//
//	Transaction identifier : 2 bytes
//	Protocol identifier    : 2 bytes (always 0)
//	Length                 : 2 bytes (unit id through end of PDU)
//	Unit identifier        : 1 byte
func (h *instance) sendTCPFrame() error {
	pduLen := int(h.msg.length) - tcpHeaderSize
	binary.BigEndian.PutUint16(h.msg.buf[0:], h.msg.transactionID)
	binary.BigEndian.PutUint16(h.msg.buf[2:], tcpProtocolIdentifier)
	binary.BigEndian.PutUint16(h.msg.buf[4:], uint16(1+pduLen))
	h.msg.buf[6] = h.msg.unitID
	return h.send(int(h.msg.length))
}

// recvMBAP reads and validates the 7-byte MBAP header, then the PDU it
// announces. On return the buffered frame holds header plus PDU and the
// parsed header fields are set; the cursor sits on the first payload byte
// after the function code.
func (h *instance) recvMBAP(frameDeadlineMs int32) error {
	h.msg.reset()
	if err := h.recv(tcpHeaderSize, frameDeadlineMs); err != nil {
		return err
	}
	proto := binary.BigEndian.Uint16(h.msg.buf[2:])
	if proto != tcpProtocolIdentifier {
		return fmt.Errorf("%w: protocol id '%v' is not zero", ErrInvalidResponse, proto)
	}
	length := int(binary.BigEndian.Uint16(h.msg.buf[4:]))
	if length < 2 || length > aduMaxSize-tcpHeaderSize+1 {
		return fmt.Errorf("%w: length '%v' in MBAP header out of range", ErrInvalidResponse, length)
	}
	if err := h.recv(length-1, frameDeadlineMs); err != nil {
		return err
	}
	h.msg.transactionID = binary.BigEndian.Uint16(h.msg.buf[0:])
	h.msg.unitID = h.msg.buf[6]
	h.msg.fc = h.msg.buf[tcpHeaderSize]
	h.msg.idx = tcpHeaderSize + 1
	return nil
}

// recvTCPResponse reads MBAP frames until one carries the expected
// transaction id, discarding strays, bounded overall by the read timeout.
func (h *instance) recvTCPResponse(expectTID uint16) error {
	frameDeadline := h.readTimeoutMs
	var deadlineAt time.Time
	if h.readTimeoutMs >= 0 {
		deadlineAt = time.Now().Add(time.Duration(h.readTimeoutMs) * time.Millisecond)
	}
	for {
		if err := h.recvMBAP(frameDeadline); err != nil {
			return err
		}
		if h.msg.transactionID == expectTID {
			return nil
		}
		// Stray frame from an earlier transaction: drop it and keep reading
		// with whatever time is left.
		if h.readTimeoutMs >= 0 {
			remaining := time.Until(deadlineAt).Milliseconds()
			if remaining <= 0 {
				return fmt.Errorf("%w: no response for transaction '%v'", ErrTimeout, expectTID)
			}
			frameDeadline = int32(remaining)
		}
	}
}

// recvTCPRequest reads one MBAP-framed request. Header problems are swallowed
// rather than surfaced to the peer.
func (h *instance) recvTCPRequest() error {
	err := h.recvMBAP(h.readTimeoutMs)
	if err != nil {
		if errors.Is(err, ErrInvalidResponse) {
			return errFrameDropped
		}
		return err
	}
	return nil
}
