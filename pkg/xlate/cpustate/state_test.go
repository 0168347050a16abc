package cpustate

import (
	"testing"
	"time"
)

func TestStopTargetLongJumpUnarmedIsNoop(t *testing.T) {
	var st StopTarget
	// A thread that never armed its stop target (host SP ==
	// ReturningStackLocation already) must not block or panic
	// on an unrequested LongJump.
	st.LongJump(StopRequested)
}

func TestStopTargetArmWaitLongJump(t *testing.T) {
	var st StopTarget
	st.Arm()

	done := make(chan StopReason, 1)
	go func() {
		done <- st.Wait()
	}()

	st.LongJump(StopRequested)

	select {
	case reason := <-done:
		if reason != StopRequested {
			t.Fatalf("got reason %v, want StopRequested", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after LongJump")
	}
}

func TestContext64ForkIsIndependent(t *testing.T) {
	refcount := int32(3)
	c := &Context64{}
	c.State.SetGPR(RAX, 0x42)
	c.State.Pointers.SignalHandlerRefCount = &refcount

	clone := c.Fork()
	clone.State.SetGPR(RAX, 0x99)
	*clone.State.Pointers.SignalHandlerRefCount = 7

	if c.State.GPR(RAX) != 0x42 {
		t.Fatalf("original mutated via clone: GPR(RAX)=%#x", c.State.GPR(RAX))
	}
	if refcount != 3 {
		t.Fatalf("original refcount mutated via clone: %d", refcount)
	}
	if clone.State.GPR(RAX) != 0x99 {
		t.Fatalf("clone GPR(RAX)=%#x, want 0x99", clone.State.GPR(RAX))
	}
}
