//go:build linux

package dummynet

import (
	"testing"
)

func TestRealNetlinkerClose_Idempotent(t *testing.T) {
	// Close must be safe on an unopened or already-closed instance.
	r := &RealNetlinker{}
	r.Close()
	r.Close()
}
