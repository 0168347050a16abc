package xlog

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestInfofLogsThroughEntry(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base, "test-component")

	l.Infof("hello %s", "world")

	if len(hook.Entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(hook.Entries))
	}
	if hook.LastEntry().Message != "hello world" {
		t.Fatalf("message = %q", hook.LastEntry().Message)
	}
	if hook.LastEntry().Data["component"] != "test-component" {
		t.Fatalf("component field missing: %+v", hook.LastEntry().Data)
	}
}

func TestFatalfPanicsInsteadOfExiting(t *testing.T) {
	base, _ := test.NewNullLogger()
	l := New(base, "test-component")

	defer func() {
		if recover() == nil {
			t.Fatal("expected Fatalf to panic")
		}
	}()
	l.Fatalf("unrecoverable: %d", 42)
}

func TestWithFieldDoesNotMutateReceiver(t *testing.T) {
	base, hook := test.NewNullLogger()
	l := New(base, "c")
	child := l.WithField("guestPC", uint64(0x400000))

	l.Infof("base line")
	child.Infof("child line")

	if len(hook.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(hook.Entries))
	}
	if _, ok := hook.Entries[0].Data["guestPC"]; ok {
		t.Fatal("base logger should not carry guestPC field")
	}
	if _, ok := hook.Entries[1].Data["guestPC"]; !ok {
		t.Fatal("child logger should carry guestPC field")
	}
}
