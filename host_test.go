// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbuscore

import "testing"

// testHost is a scripted byte-level platform: reads consume the in queue,
// writes append to out. An exhausted in queue reads as no-data, the way a
// silent peer does.
type testHost struct {
	in     []byte
	out    []byte
	sleeps []uint32

	// readStatus and writeStatus force a host status when non-zero.
	readStatus  int
	writeStatus int
}

func (h *testHost) conf(transport Transport) *PlatformConf {
	return &PlatformConf{
		Transport: transport,
		ReadByte: func(deadlineMs int32, arg interface{}) (byte, int) {
			if h.readStatus != 0 {
				return 0, h.readStatus
			}
			if len(h.in) == 0 {
				return 0, IONoData
			}
			b := h.in[0]
			h.in = h.in[1:]
			return b, IOOk
		},
		WriteByte: func(b byte, deadlineMs int32, arg interface{}) int {
			if h.writeStatus != 0 {
				return h.writeStatus
			}
			h.out = append(h.out, b)
			return IOOk
		},
		Sleep: func(ms uint32, arg interface{}) {
			h.sleeps = append(h.sleeps, ms)
		},
	}
}

// enqueue appends a frame to the host's read queue.
func (h *testHost) enqueue(frame []byte) {
	h.in = append(h.in, frame...)
}

// rtuFrame appends the CRC-16 to an ADU body, little-endian.
func rtuFrame(body ...byte) []byte {
	var c crc
	c.reset().pushBytes(body)
	checksum := c.value()
	return append(body, byte(checksum), byte(checksum>>8))
}

// mbapFrame prefixes the MBAP header to a unit id and PDU.
func mbapFrame(tid uint16, unitID byte, pdu ...byte) []byte {
	frame := make([]byte, 0, tcpHeaderSize+len(pdu))
	length := uint16(1 + len(pdu))
	frame = append(frame, byte(tid>>8), byte(tid), 0x00, 0x00, byte(length>>8), byte(length), unitID)
	return append(frame, pdu...)
}

func assertBytes(t *testing.T, name string, actual, expected []byte) {
	t.Helper()
	if len(actual) != len(expected) {
		t.Fatalf("%s: expected % x, actual % x", name, expected, actual)
	}
	for i := range actual {
		if actual[i] != expected[i] {
			t.Fatalf("%s: expected % x, actual % x", name, expected, actual)
		}
	}
}
