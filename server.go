// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbuscore

import (
	"errors"
	"fmt"
)

// Callbacks are the host handlers behind the server's data model, one per
// supported function code. The server never stores coil or register values
// itself; it decodes requests, calls the matching handler and frames its
// outcome. A nil handler answers with exception 1 (illegal function).
//
// A handler returning one of the Exception* errors has that exception sent
// to the peer. Any other non-nil error aborts the poll without a response.
type Callbacks struct {
	ReadCoils              func(address, quantity uint16, coils *Bitfield) error
	ReadDiscreteInputs     func(address, quantity uint16, inputs *Bitfield) error
	ReadHoldingRegisters   func(address, quantity uint16, registers []uint16) error
	ReadInputRegisters     func(address, quantity uint16, registers []uint16) error
	WriteSingleCoil        func(address uint16, value bool) error
	WriteSingleRegister    func(address, value uint16) error
	WriteMultipleCoils     func(address, quantity uint16, coils *Bitfield) error
	WriteMultipleRegisters func(address, quantity uint16, registers []uint16) error
}

// Server is a Modbus slave handle. It is not safe for concurrent use; call
// Poll in a loop to serve requests.
type Server struct {
	instance

	// address is the server's own RTU bus address.
	address   byte
	callbacks Callbacks
}

// NewServer creates a Modbus server over the given platform primitives.
// addressRTU is the server's bus address; it is ignored on TCP transport.
func NewServer(addressRTU byte, conf *PlatformConf, callbacks *Callbacks) (*Server, error) {
	s := &Server{}
	if err := s.validatePlatform(conf); err != nil {
		return nil, err
	}
	if callbacks == nil {
		return nil, fmt.Errorf("%w: callbacks are required", ErrInvalidArgument)
	}
	s.address = addressRTU
	s.callbacks = *callbacks
	return s, nil
}

// Poll serves one request/response cycle. With no incoming request it
// returns nil after the read timeout. Frames failing the CRC, addressed to
// another RTU unit, or otherwise unusable are consumed silently; only
// transport-level failures and callback library errors surface to the
// caller.
func (s *Server) Poll() error {
	s.msg.reset()
	var err error
	if s.transport == TCP {
		err = s.recvTCPRequest()
	} else {
		err = s.recvRTURequest(s.address)
	}
	switch {
	case err == nil:
	case errors.Is(err, errFrameDropped):
		return nil
	case errors.Is(err, errUnknownFunction):
		// RTU frame with no length schema: the tail cannot be consumed, but
		// the function code is known. respondException stays silent when the
		// frame was broadcast or addressed to another unit.
		s.msg.fc = s.msg.buf[1]
		return s.respondException(ExceptionIllegalFunction)
	case errors.Is(err, ErrTimeout) && s.msg.length == 0:
		// Quiet poll: nothing arrived within the read timeout.
		return nil
	default:
		return err
	}
	if s.msg.ignored {
		return nil
	}
	return s.dispatch()
}

// trailing returns the byte count after the PDU payload: the CRC on RTU.
func (s *Server) trailing() int {
	if s.transport == RTU {
		return rtuCRCSize
	}
	return 0
}

// respondException answers the current request with [fc|0x80][code], unless
// the request was broadcast or ignored.
func (s *Server) respondException(e Error) error {
	if s.msg.broadcast || s.msg.ignored {
		return nil
	}
	fc := s.msg.fc
	s.beginPDU(fc | 0x80)
	s.msg.putU8(byte(e))
	return s.sendMsg()
}

// mapCallbackError turns a handler error into an exception response when it
// is one, and propagates it to the poll caller otherwise.
func (s *Server) mapCallbackError(err error) error {
	var e Error
	if errors.As(err, &e) && e.IsException() {
		return s.respondException(e)
	}
	return err
}

// dispatch decodes the received PDU by function code and runs the matching
// handler.
func (s *Server) dispatch() error {
	switch s.msg.fc {
	case FuncCodeReadCoils:
		return s.handleReadBits(s.callbacks.ReadCoils)
	case FuncCodeReadDiscreteInputs:
		return s.handleReadBits(s.callbacks.ReadDiscreteInputs)
	case FuncCodeReadHoldingRegisters:
		return s.handleReadRegisters(s.callbacks.ReadHoldingRegisters)
	case FuncCodeReadInputRegisters:
		return s.handleReadRegisters(s.callbacks.ReadInputRegisters)
	case FuncCodeWriteSingleCoil:
		return s.handleWriteSingleCoil()
	case FuncCodeWriteSingleRegister:
		return s.handleWriteSingleRegister()
	case FuncCodeWriteMultipleCoils:
		return s.handleWriteMultipleCoils()
	case FuncCodeWriteMultipleRegisters:
		return s.handleWriteMultipleRegisters()
	}
	// Reachable on TCP only; unknown RTU function codes never parse this far.
	return s.respondException(ExceptionIllegalFunction)
}

// handleReadBits serves FC 1 and 2: [address][quantity] in, [byte count]
// [packed bits] out.
func (s *Server) handleReadBits(cb func(address, quantity uint16, bits *Bitfield) error) error {
	address, err := s.msg.getU16()
	if err != nil {
		return s.respondException(ExceptionIllegalDataValue)
	}
	quantity, err := s.msg.getU16()
	if err != nil || s.msg.remaining() != s.trailing() {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if quantity < 1 || quantity > 2000 {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if uint32(address)+uint32(quantity) > 0x10000 {
		return s.respondException(ExceptionIllegalDataAddress)
	}
	if s.msg.broadcast {
		// Nobody to answer a broadcast read.
		return nil
	}
	if cb == nil {
		return s.respondException(ExceptionIllegalFunction)
	}
	var bits Bitfield
	if err := cb(address, quantity, &bits); err != nil {
		return s.mapCallbackError(err)
	}
	byteCount := (int(quantity) + 7) / 8
	s.beginPDU(s.msg.fc)
	s.msg.putU8(byte(byteCount))
	s.msg.putBytes(bits[:byteCount])
	return s.sendMsg()
}

// handleReadRegisters serves FC 3 and 4: [address][quantity] in,
// [byte count][registers] out.
func (s *Server) handleReadRegisters(cb func(address, quantity uint16, registers []uint16) error) error {
	address, err := s.msg.getU16()
	if err != nil {
		return s.respondException(ExceptionIllegalDataValue)
	}
	quantity, err := s.msg.getU16()
	if err != nil || s.msg.remaining() != s.trailing() {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if quantity < 1 || quantity > 125 {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if uint32(address)+uint32(quantity) > 0x10000 {
		return s.respondException(ExceptionIllegalDataAddress)
	}
	if s.msg.broadcast {
		return nil
	}
	if cb == nil {
		return s.respondException(ExceptionIllegalFunction)
	}
	var registers [125]uint16
	if err := cb(address, quantity, registers[:quantity]); err != nil {
		return s.mapCallbackError(err)
	}
	s.beginPDU(s.msg.fc)
	s.msg.putU8(byte(quantity * 2))
	for i := 0; i < int(quantity); i++ {
		s.msg.putU16(registers[i])
	}
	return s.sendMsg()
}

// handleWriteSingleCoil serves FC 5: [address][0xFF00|0x0000] in, echoed
// verbatim out.
func (s *Server) handleWriteSingleCoil() error {
	address, err := s.msg.getU16()
	if err != nil {
		return s.respondException(ExceptionIllegalDataValue)
	}
	value, err := s.msg.getU16()
	if err != nil || s.msg.remaining() != s.trailing() {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if value != 0x0000 && value != 0xFF00 {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if cb := s.callbacks.WriteSingleCoil; cb == nil {
		return s.respondException(ExceptionIllegalFunction)
	} else if err := cb(address, value == 0xFF00); err != nil {
		return s.mapCallbackError(err)
	}
	if s.msg.broadcast {
		return nil
	}
	s.beginPDU(s.msg.fc)
	s.msg.putU16(address)
	s.msg.putU16(value)
	return s.sendMsg()
}

// handleWriteSingleRegister serves FC 6: [address][value] in, echoed
// verbatim out.
func (s *Server) handleWriteSingleRegister() error {
	address, err := s.msg.getU16()
	if err != nil {
		return s.respondException(ExceptionIllegalDataValue)
	}
	value, err := s.msg.getU16()
	if err != nil || s.msg.remaining() != s.trailing() {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if cb := s.callbacks.WriteSingleRegister; cb == nil {
		return s.respondException(ExceptionIllegalFunction)
	} else if err := cb(address, value); err != nil {
		return s.mapCallbackError(err)
	}
	if s.msg.broadcast {
		return nil
	}
	s.beginPDU(s.msg.fc)
	s.msg.putU16(address)
	s.msg.putU16(value)
	return s.sendMsg()
}

// handleWriteMultipleCoils serves FC 15: [address][quantity][byte count]
// [packed bits] in, [address][quantity] out.
func (s *Server) handleWriteMultipleCoils() error {
	address, err := s.msg.getU16()
	if err != nil {
		return s.respondException(ExceptionIllegalDataValue)
	}
	quantity, err := s.msg.getU16()
	if err != nil {
		return s.respondException(ExceptionIllegalDataValue)
	}
	byteCount, err := s.msg.getU8()
	if err != nil {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if quantity < 1 || quantity > 1968 {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if int(byteCount) != (int(quantity)+7)/8 {
		return s.respondException(ExceptionIllegalDataValue)
	}
	payload, err := s.msg.getBytes(int(byteCount))
	if err != nil || s.msg.remaining() != s.trailing() {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if uint32(address)+uint32(quantity) > 0x10000 {
		return s.respondException(ExceptionIllegalDataAddress)
	}
	var bits Bitfield
	copy(bits[:], payload)
	if cb := s.callbacks.WriteMultipleCoils; cb == nil {
		return s.respondException(ExceptionIllegalFunction)
	} else if err := cb(address, quantity, &bits); err != nil {
		return s.mapCallbackError(err)
	}
	if s.msg.broadcast {
		return nil
	}
	s.beginPDU(s.msg.fc)
	s.msg.putU16(address)
	s.msg.putU16(quantity)
	return s.sendMsg()
}

// handleWriteMultipleRegisters serves FC 16: [address][quantity][byte count]
// [registers] in, [address][quantity] out.
func (s *Server) handleWriteMultipleRegisters() error {
	address, err := s.msg.getU16()
	if err != nil {
		return s.respondException(ExceptionIllegalDataValue)
	}
	quantity, err := s.msg.getU16()
	if err != nil {
		return s.respondException(ExceptionIllegalDataValue)
	}
	byteCount, err := s.msg.getU8()
	if err != nil {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if quantity < 1 || quantity > 123 {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if int(byteCount) != int(quantity)*2 {
		return s.respondException(ExceptionIllegalDataValue)
	}
	var registers [123]uint16
	for i := 0; i < int(quantity); i++ {
		registers[i], err = s.msg.getU16()
		if err != nil {
			return s.respondException(ExceptionIllegalDataValue)
		}
	}
	if s.msg.remaining() != s.trailing() {
		return s.respondException(ExceptionIllegalDataValue)
	}
	if uint32(address)+uint32(quantity) > 0x10000 {
		return s.respondException(ExceptionIllegalDataAddress)
	}
	if cb := s.callbacks.WriteMultipleRegisters; cb == nil {
		return s.respondException(ExceptionIllegalFunction)
	} else if err := cb(address, quantity, registers[:quantity]); err != nil {
		return s.mapCallbackError(err)
	}
	if s.msg.broadcast {
		return nil
	}
	s.beginPDU(s.msg.fc)
	s.msg.putU16(address)
	s.msg.putU16(quantity)
	return s.sendMsg()
}
