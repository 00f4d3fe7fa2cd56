package main

import (
	"testing"

	"ariesdb/internal/dberror"
)

func TestExitCodeFor_MapsKnownDBErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{dberror.New(dberror.KindPermanent, dberror.CodeInvalidConfig, "bad config"), 1},
		{dberror.Corruption("BufferPool", 1, "crc mismatch"), 2},
		{dberror.New(dberror.KindPermanent, dberror.CodeRecoveryFailed, "recovery failed"), 3},
		{dberror.New(dberror.KindTransient, dberror.CodeIO, "disk error"), 4},
		{dberror.New(dberror.KindTransient, dberror.CodeDeadlock, "victim"), 1},
	}
	for _, c := range cases {
		if got := exitCodeFor(c.err); got != c.want {
			t.Errorf("exitCodeFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestExitCodeFor_NonDBErrorDefaultsToOne(t *testing.T) {
	if got := exitCodeFor(plainError{}); got != 1 {
		t.Errorf("exitCodeFor(non-DBError) = %d, want 1", got)
	}
}

type plainError struct{}

func (plainError) Error() string { return "plain error" }
