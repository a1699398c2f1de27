// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbuscore

import (
	"encoding/binary"
	"fmt"
)

// Client is a Modbus master handle. It is not safe for concurrent use; one
// request/response transaction runs at a time.
type Client struct {
	instance

	// destAddress is the recipient of the next RTU request; 0 broadcasts.
	destAddress byte
	// currentTID is the TCP transaction id of the request in flight.
	currentTID uint16
}

// NewClient creates a Modbus client over the given platform primitives.
func NewClient(conf *PlatformConf) (*Client, error) {
	c := &Client{}
	if err := c.validatePlatform(conf); err != nil {
		return nil, err
	}
	return c, nil
}

// SetDestinationRTUAddress sets the recipient server address of the next
// request on RTU transport. BroadcastAddress addresses every server; write
// requests sent there elicit no response.
func (c *Client) SetDestinationRTUAddress(address byte) {
	c.destAddress = address
}

// broadcasting reports whether the next RTU request is a broadcast.
func (c *Client) broadcasting() bool {
	return c.transport == RTU && c.destAddress == BroadcastAddress
}

// beginRequest primes the scratch for a new request PDU and assigns the
// addressing header fields.
func (c *Client) beginRequest(fc byte) {
	c.msg.reset()
	if c.transport == TCP {
		c.currentTID++
		c.msg.transactionID = c.currentTID
		c.msg.unitID = tcpUnitID
	} else {
		c.msg.unitID = c.destAddress
		c.msg.broadcast = c.destAddress == BroadcastAddress
	}
	c.beginPDU(fc)
}

// pduData returns the received payload after the function code.
func (c *Client) pduData() []byte {
	end := int(c.msg.length)
	if c.transport == RTU {
		end -= rtuCRCSize
	}
	return c.msg.buf[c.msg.idx:end]
}

// transceive transmits the built request and receives the matching response,
// returning the payload after the function code. Exception responses come
// back as their Error value. A broadcast request returns a nil payload
// without awaiting any response.
func (c *Client) transceive() ([]byte, error) {
	reqFC := c.msg.fc
	if err := c.sendMsg(); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if c.msg.broadcast {
		return nil, nil
	}
	if c.transport == TCP {
		if err := c.recvTCPResponse(c.currentTID); err != nil {
			return nil, fmt.Errorf("receiving response: %w", err)
		}
	} else {
		if err := c.recvRTUResponse(reqFC, c.destAddress, c.readTimeoutMs); err != nil {
			return nil, fmt.Errorf("receiving response: %w", err)
		}
	}
	data := c.pduData()
	if c.msg.fc == reqFC|0x80 {
		if len(data) != 1 {
			return nil, fmt.Errorf("%w: exception response carries %v bytes", ErrInvalidResponse, len(data))
		}
		return nil, fmt.Errorf("request failed: %w", exception(data[0]))
	}
	if c.msg.fc != reqFC {
		return nil, fmt.Errorf("%w: response function code '%v' does not match request '%v'", ErrInvalidResponse, c.msg.fc, reqFC)
	}
	return data, nil
}

// readBits implements FC 1 and 2.
//
// Request:
//
//	Function code         : 1 byte
//	Starting address      : 2 bytes
//	Quantity of bits      : 2 bytes
//
// Response:
//
//	Function code         : 1 byte
//	Byte count            : 1 byte
//	Bit status            : N* bytes, LSB first
func (c *Client) readBits(fc byte, address, quantity uint16, out *Bitfield) error {
	if quantity < 1 || quantity > 2000 {
		return fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidArgument, quantity, 1, 2000)
	}
	if uint32(address)+uint32(quantity) > 0x10000 {
		return fmt.Errorf("%w: address '%v' plus quantity '%v' exceeds the address space", ErrInvalidArgument, address, quantity)
	}
	if out == nil {
		return fmt.Errorf("%w: output bitfield is nil", ErrInvalidArgument)
	}
	if c.broadcasting() {
		return fmt.Errorf("%w: read requests cannot be broadcast", ErrInvalidArgument)
	}
	c.beginRequest(fc)
	c.msg.putU16(address)
	c.msg.putU16(quantity)
	data, err := c.transceive()
	if err != nil {
		return err
	}
	expected := (int(quantity) + 7) / 8
	if len(data) < 1 || int(data[0]) != expected || len(data)-1 != expected {
		return fmt.Errorf("%w: byte count does not match quantity '%v'", ErrInvalidResponse, quantity)
	}
	out.Reset()
	copy(out[:], data[1:])
	return nil
}

// readRegisters implements FC 3 and 4.
//
// Request:
//
//	Function code         : 1 byte
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte
//	Byte count            : 1 byte
//	Register values       : Nx2 bytes
func (c *Client) readRegisters(fc byte, address, quantity uint16, out []uint16) error {
	if quantity < 1 || quantity > 125 {
		return fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidArgument, quantity, 1, 125)
	}
	if uint32(address)+uint32(quantity) > 0x10000 {
		return fmt.Errorf("%w: address '%v' plus quantity '%v' exceeds the address space", ErrInvalidArgument, address, quantity)
	}
	if len(out) < int(quantity) {
		return fmt.Errorf("%w: output slice holds '%v' registers, need '%v'", ErrInvalidArgument, len(out), quantity)
	}
	if c.broadcasting() {
		return fmt.Errorf("%w: read requests cannot be broadcast", ErrInvalidArgument)
	}
	c.beginRequest(fc)
	c.msg.putU16(address)
	c.msg.putU16(quantity)
	data, err := c.transceive()
	if err != nil {
		return err
	}
	expected := int(quantity) * 2
	if len(data) < 1 || int(data[0]) != expected || len(data)-1 != expected {
		return fmt.Errorf("%w: byte count does not match quantity '%v'", ErrInvalidResponse, quantity)
	}
	for i := 0; i < int(quantity); i++ {
		out[i] = binary.BigEndian.Uint16(data[1+i*2:])
	}
	return nil
}

// ReadCoils sends a FC 01 (0x01) Read Coils request and stores the result in
// coils, packed LSB first from bit 0.
func (c *Client) ReadCoils(address, quantity uint16, coils *Bitfield) error {
	if err := c.readBits(FuncCodeReadCoils, address, quantity, coils); err != nil {
		return fmt.Errorf("reading coils: %w", err)
	}
	return nil
}

// ReadDiscreteInputs sends a FC 02 (0x02) Read Discrete Inputs request and
// stores the result in inputs, packed LSB first from bit 0.
func (c *Client) ReadDiscreteInputs(address, quantity uint16, inputs *Bitfield) error {
	if err := c.readBits(FuncCodeReadDiscreteInputs, address, quantity, inputs); err != nil {
		return fmt.Errorf("reading discrete inputs: %w", err)
	}
	return nil
}

// ReadHoldingRegisters sends a FC 03 (0x03) Read Holding Registers request
// and stores quantity values into registers.
func (c *Client) ReadHoldingRegisters(address, quantity uint16, registers []uint16) error {
	if err := c.readRegisters(FuncCodeReadHoldingRegisters, address, quantity, registers); err != nil {
		return fmt.Errorf("reading holding registers: %w", err)
	}
	return nil
}

// ReadInputRegisters sends a FC 04 (0x04) Read Input Registers request and
// stores quantity values into registers.
func (c *Client) ReadInputRegisters(address, quantity uint16, registers []uint16) error {
	if err := c.readRegisters(FuncCodeReadInputRegisters, address, quantity, registers); err != nil {
		return fmt.Errorf("reading input registers: %w", err)
	}
	return nil
}

// writeSingle implements FC 5 and 6.
//
// Request:
//
//	Function code         : 1 byte
//	Output address        : 2 bytes
//	Output value          : 2 bytes
//
// Response: echo of the request, validated field by field.
func (c *Client) writeSingle(fc byte, address, value uint16) error {
	c.beginRequest(fc)
	c.msg.putU16(address)
	c.msg.putU16(value)
	data, err := c.transceive()
	if err != nil {
		return err
	}
	if c.msg.broadcast {
		return nil
	}
	if len(data) != 4 {
		return fmt.Errorf("%w: response data size '%v' does not match expected '%v'", ErrInvalidResponse, len(data), 4)
	}
	if respAddress := binary.BigEndian.Uint16(data); respAddress != address {
		return fmt.Errorf("%w: response address '%v' does not match request '%v'", ErrInvalidResponse, respAddress, address)
	}
	if respValue := binary.BigEndian.Uint16(data[2:]); respValue != value {
		return fmt.Errorf("%w: response value '%v' does not match request '%v'", ErrInvalidResponse, respValue, value)
	}
	return nil
}

// WriteSingleCoil sends a FC 05 (0x05) Write Single Coil request. On the
// wire, true is 0xFF00 and false is 0x0000.
func (c *Client) WriteSingleCoil(address uint16, value bool) error {
	coil := uint16(0x0000)
	if value {
		coil = 0xFF00
	}
	if err := c.writeSingle(FuncCodeWriteSingleCoil, address, coil); err != nil {
		return fmt.Errorf("writing single coil: %w", err)
	}
	return nil
}

// WriteSingleRegister sends a FC 06 (0x06) Write Single Register request.
func (c *Client) WriteSingleRegister(address, value uint16) error {
	if err := c.writeSingle(FuncCodeWriteSingleRegister, address, value); err != nil {
		return fmt.Errorf("writing single register: %w", err)
	}
	return nil
}

// writeMultipleTail sends the built FC 15/16 request and validates the
// echoed address and quantity.
func (c *Client) writeMultipleTail(address, quantity uint16) error {
	data, err := c.transceive()
	if err != nil {
		return err
	}
	if c.msg.broadcast {
		return nil
	}
	if len(data) != 4 {
		return fmt.Errorf("%w: response data size '%v' does not match expected '%v'", ErrInvalidResponse, len(data), 4)
	}
	if respAddress := binary.BigEndian.Uint16(data); respAddress != address {
		return fmt.Errorf("%w: response address '%v' does not match request '%v'", ErrInvalidResponse, respAddress, address)
	}
	if respQuantity := binary.BigEndian.Uint16(data[2:]); respQuantity != quantity {
		return fmt.Errorf("%w: response quantity '%v' does not match request '%v'", ErrInvalidResponse, respQuantity, quantity)
	}
	return nil
}

// WriteMultipleCoils sends a FC 15 (0x0F) Write Multiple Coils request with
// quantity bits taken LSB first from coils.
//
// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
func (c *Client) WriteMultipleCoils(address, quantity uint16, coils *Bitfield) error {
	if quantity < 1 || quantity > 1968 {
		return fmt.Errorf("writing multiple coils: %w: quantity '%v' must be between '%v' and '%v'", ErrInvalidArgument, quantity, 1, 1968)
	}
	if uint32(address)+uint32(quantity) > 0x10000 {
		return fmt.Errorf("writing multiple coils: %w: address '%v' plus quantity '%v' exceeds the address space", ErrInvalidArgument, address, quantity)
	}
	if coils == nil {
		return fmt.Errorf("writing multiple coils: %w: coils bitfield is nil", ErrInvalidArgument)
	}
	byteCount := (int(quantity) + 7) / 8
	c.beginRequest(FuncCodeWriteMultipleCoils)
	c.msg.putU16(address)
	c.msg.putU16(quantity)
	c.msg.putU8(byte(byteCount))
	c.msg.putBytes(coils[:byteCount])
	if err := c.writeMultipleTail(address, quantity); err != nil {
		return fmt.Errorf("writing multiple coils: %w", err)
	}
	return nil
}

// WriteMultipleRegisters sends a FC 16 (0x10) Write Multiple Registers
// request with the first quantity values of registers.
//
// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : Nx2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
func (c *Client) WriteMultipleRegisters(address, quantity uint16, registers []uint16) error {
	if quantity < 1 || quantity > 123 {
		return fmt.Errorf("writing multiple registers: %w: quantity '%v' must be between '%v' and '%v'", ErrInvalidArgument, quantity, 1, 123)
	}
	if uint32(address)+uint32(quantity) > 0x10000 {
		return fmt.Errorf("writing multiple registers: %w: address '%v' plus quantity '%v' exceeds the address space", ErrInvalidArgument, address, quantity)
	}
	if len(registers) < int(quantity) {
		return fmt.Errorf("writing multiple registers: %w: registers slice holds '%v' values, need '%v'", ErrInvalidArgument, len(registers), quantity)
	}
	c.beginRequest(FuncCodeWriteMultipleRegisters)
	c.msg.putU16(address)
	c.msg.putU16(quantity)
	c.msg.putU8(byte(quantity * 2))
	for i := 0; i < int(quantity); i++ {
		c.msg.putU16(registers[i])
	}
	if err := c.writeMultipleTail(address, quantity); err != nil {
		return fmt.Errorf("writing multiple registers: %w", err)
	}
	return nil
}

// SendRawPDU transmits a raw PDU with the given function code and payload.
// No response is awaited; pair it with ReceiveRawPDUResponse. The payload is
// sent verbatim, so multi-byte fields must already be big-endian.
func (c *Client) SendRawPDU(fc byte, data []byte) error {
	if len(data) > aduMaxSize-tcpHeaderSize-1 {
		return fmt.Errorf("sending raw pdu: %w: payload of '%v' bytes does not fit a PDU", ErrInvalidArgument, len(data))
	}
	c.beginRequest(fc)
	c.msg.putBytes(data)
	if err := c.sendMsg(); err != nil {
		return fmt.Errorf("sending raw pdu: %w", err)
	}
	return nil
}

// ReceiveRawPDUResponse reads a single response frame and copies the payload
// after the function code into out, whose length states the expected payload
// size. Exception responses are mapped to their Error value.
func (c *Client) ReceiveRawPDUResponse(out []byte) error {
	if len(out) > aduMaxSize-tcpHeaderSize-1 {
		return fmt.Errorf("receiving raw pdu: %w: payload of '%v' bytes does not fit a PDU", ErrInvalidArgument, len(out))
	}
	if c.transport == TCP {
		if err := c.recvTCPResponse(c.currentTID); err != nil {
			return fmt.Errorf("receiving raw pdu: %w", err)
		}
	} else {
		if err := c.recvRTURawResponse(c.destAddress, len(out)); err != nil {
			return fmt.Errorf("receiving raw pdu: %w", err)
		}
	}
	data := c.pduData()
	if c.msg.fc&0x80 != 0 {
		if len(data) != 1 {
			return fmt.Errorf("receiving raw pdu: %w: exception response carries %v bytes", ErrInvalidResponse, len(data))
		}
		return fmt.Errorf("receiving raw pdu: request failed: %w", exception(data[0]))
	}
	if len(data) != len(out) {
		return fmt.Errorf("receiving raw pdu: %w: response data size '%v' does not match expected '%v'", ErrInvalidResponse, len(data), len(out))
	}
	copy(out, data)
	return nil
}
