// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbuscore

import (
	"errors"
	"fmt"
)

// Internal receive conditions the server swallows without replying.
var (
	// errFrameDropped marks a frame consumed silently: bad CRC, oversized
	// payload, or an MBAP header the server cannot act on.
	errFrameDropped = errors.New("modbus: frame dropped")
	// errUnknownFunction marks an RTU frame whose function code has no known
	// length schema, so its tail cannot be consumed.
	errUnknownFunction = errors.New("modbus: unknown function code")
)

// pduShape returns how many PDU bytes follow the function code for the given
// direction, and whether the last of those bytes is a count introducing that
// many further payload bytes. This table is the single place that knows the
// per-FC frame lengths; RTU framing depends on it because RTU carries no
// length field.
func pduShape(fc byte, response bool) (fixed int, counted bool, ok bool) {
	switch fc {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		if response {
			return 1, true, true // byte count, then packed payload
		}
		return 4, false, true // address, quantity
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
		return 4, false, true // address, value (echoed verbatim)
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		if response {
			return 4, false, true // address, quantity
		}
		return 5, true, true // address, quantity, byte count, then payload
	}
	return 0, false, false
}

// sendRTUFrame prefixes the unit id, appends the CRC-16 little-endian and
// transmits the ADU.
func (h *instance) sendRTUFrame() error {
	h.msg.buf[0] = h.msg.unitID
	end := int(h.msg.length)
	var c crc
	c.reset().pushBytes(h.msg.buf[:end])
	checksum := c.value()
	h.msg.putU8(byte(checksum))
	h.msg.putU8(byte(checksum >> 8))
	return h.send(end + rtuCRCSize)
}

// checkCRC recomputes the CRC over the buffered ADU and compares it to the
// trailing two bytes.
func (h *instance) checkCRC() error {
	end := h.msg.length - rtuCRCSize
	var c crc
	c.reset().pushBytes(h.msg.buf[:end])
	received := uint16(h.msg.buf[end+1])<<8 | uint16(h.msg.buf[end])
	if received != c.value() {
		return fmt.Errorf("%w: crc %#04x does not match expected %#04x", ErrInvalidResponse, received, c.value())
	}
	return nil
}

// recvRTUResponse reads one RTU response frame addressed from unit dest to a
// request with function code reqFC. On return the cursor sits on the first
// payload byte after the function code; exception frames are left for the
// caller to map.
func (h *instance) recvRTUResponse(reqFC, dest byte, frameDeadlineMs int32) error {
	h.msg.reset()
	if err := h.recv(2, frameDeadlineMs); err != nil {
		return err
	}
	fc := h.msg.buf[1]
	switch {
	case fc == reqFC|0x80:
		// Exception: one code byte plus CRC.
		if err := h.recv(1+rtuCRCSize, frameDeadlineMs); err != nil {
			return err
		}
	case fc == reqFC:
		fixed, counted, _ := pduShape(fc, true)
		if err := h.recv(fixed, frameDeadlineMs); err != nil {
			return err
		}
		if counted {
			count := int(h.msg.buf[h.msg.length-1])
			if err := h.recv(count, frameDeadlineMs); err != nil {
				return err
			}
		}
		if err := h.recv(rtuCRCSize, frameDeadlineMs); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: response function code '%v' does not match request '%v'", ErrInvalidResponse, fc, reqFC)
	}
	if err := h.checkCRC(); err != nil {
		return err
	}
	if h.msg.buf[0] != dest {
		return fmt.Errorf("%w: response unit id '%v' does not match request '%v'", ErrInvalidResponse, h.msg.buf[0], dest)
	}
	h.msg.unitID = h.msg.buf[0]
	h.msg.fc = fc
	h.msg.idx = rtuHeaderSize + 1
	return nil
}

// recvRTURawResponse reads one RTU response frame whose payload length after
// the function code is known only to the caller. Exception frames are still
// recognized by their shape.
func (h *instance) recvRTURawResponse(dest byte, dataLen int) error {
	h.msg.reset()
	if err := h.recv(2, h.readTimeoutMs); err != nil {
		return err
	}
	fc := h.msg.buf[1]
	if fc&0x80 != 0 {
		dataLen = 1
	}
	if err := h.recv(dataLen+rtuCRCSize, h.readTimeoutMs); err != nil {
		return err
	}
	if err := h.checkCRC(); err != nil {
		return err
	}
	if h.msg.buf[0] != dest {
		return fmt.Errorf("%w: response unit id '%v' does not match request '%v'", ErrInvalidResponse, h.msg.buf[0], dest)
	}
	h.msg.unitID = h.msg.buf[0]
	h.msg.fc = fc
	h.msg.idx = rtuHeaderSize + 1
	return nil
}

// recvRTURequest reads one RTU request frame off the bus. Frames addressed to
// another unit are consumed to their boundary and flagged ignored; frames
// failing the CRC are reported as dropped. ownAddress is the server's bus
// address.
func (h *instance) recvRTURequest(ownAddress byte) error {
	h.msg.reset()
	if err := h.recv(2, h.readTimeoutMs); err != nil {
		return err
	}
	unitID := h.msg.buf[0]
	fc := h.msg.buf[1]
	h.msg.unitID = unitID
	h.msg.broadcast = unitID == BroadcastAddress
	h.msg.ignored = !h.msg.broadcast && unitID != ownAddress

	fixed, counted, ok := pduShape(fc, false)
	if !ok {
		// Length unknown: the tail cannot be consumed, so the CRC cannot be
		// verified either. Stale bytes fail the next frame's CRC and drop.
		return errUnknownFunction
	}
	if err := h.recv(fixed, h.byteTimeoutMs); err != nil {
		return err
	}
	if counted {
		count := int(h.msg.buf[h.msg.length-1])
		if int(h.msg.length)+count+rtuCRCSize > rtuMaxSize {
			return errFrameDropped
		}
		if err := h.recv(count, h.byteTimeoutMs); err != nil {
			return err
		}
	}
	if err := h.recv(rtuCRCSize, h.byteTimeoutMs); err != nil {
		return err
	}
	if err := h.checkCRC(); err != nil {
		return errFrameDropped
	}
	h.msg.fc = fc
	h.msg.idx = rtuHeaderSize + 1
	return nil
}
