// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbuscore

import "fmt"

// recv appends count bytes of the incoming frame to the message buffer. The
// first byte of a frame honors frameDeadlineMs; every later byte honors the
// inter-byte timeout. A host status of IONoData maps to ErrTimeout, IOErr to
// ErrTransport.
func (h *instance) recv(count int, frameDeadlineMs int32) error {
	if int(h.msg.length)+count > len(h.msg.buf) {
		return fmt.Errorf("%w: frame of %v bytes exceeds buffer", ErrInvalidResponse, int(h.msg.length)+count)
	}
	for i := 0; i < count; i++ {
		deadline := h.byteTimeoutMs
		if h.msg.length == 0 {
			deadline = frameDeadlineMs
		}
		b, status := h.platform.ReadByte(deadline, h.platform.Arg)
		switch status {
		case IOOk:
			h.msg.buf[h.msg.length] = b
			h.msg.length++
		case IONoData:
			return fmt.Errorf("%w: no data within %v ms", ErrTimeout, deadline)
		default:
			return fmt.Errorf("%w: read returned %v", ErrTransport, status)
		}
	}
	return nil
}

// send transmits the first n buffered bytes. On RTU, consecutive bytes are
// separated by the configured byte spacing.
func (h *instance) send(n int) error {
	for i := 0; i < n; i++ {
		status := h.platform.WriteByte(h.msg.buf[i], h.byteTimeoutMs, h.platform.Arg)
		switch status {
		case IOOk:
		case IONoData:
			return fmt.Errorf("%w: write stalled at byte %v", ErrTimeout, i)
		default:
			return fmt.Errorf("%w: write returned %v", ErrTransport, status)
		}
		if h.transport == RTU && h.byteSpacingMs > 0 && h.platform.Sleep != nil && i < n-1 {
			h.platform.Sleep(h.byteSpacingMs, h.platform.Arg)
		}
	}
	return nil
}
