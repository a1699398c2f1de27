// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"testing"
	"time"
)

// deadline polls a condition loop with a bounded wait.
type deadline struct {
	t     *testing.T
	until time.Time
}

func newDeadline(t *testing.T) *deadline {
	t.Helper()
	return &deadline{t: t, until: time.Now().Add(3 * time.Second)}
}

func (d *deadline) tick() {
	d.t.Helper()
	if time.Now().After(d.until) {
		d.t.Fatalf("condition not reached before deadline")
	}
	time.Sleep(20 * time.Millisecond)
}
