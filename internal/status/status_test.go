package status

import (
	"errors"
	"os"
	"testing"

	"github.com/danmuck/jobrelay/internal/testutil/testlog"
)

func TestLoadMissingIsAllFalse(t *testing.T) {
	testlog.Start(t)
	st, err := NewStore(t.TempDir()).Load("delegator_17")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.NextInstalled || st.NextStarted || st.Interupted || st.Output != nil {
		t.Fatalf("expected zero status, got %+v", st)
	}
}

func TestSaveLoadDelete(t *testing.T) {
	testlog.Start(t)
	store := NewStore(t.TempDir())
	in := CommunicatorStatus{
		NextInstalled: true,
		NextStarted:   true,
		Output:        &OutputState{Host: "n1", Port: 5001, Initialized: true, BatchJobID: "4242"},
	}
	if err := store.Save("delegator_17", in); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load("delegator_17")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.NextInstalled || !got.NextStarted || got.Output == nil || got.Output.Port != 5001 {
		t.Fatalf("unexpected status %+v", got)
	}
	if err := store.Delete("delegator_17"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(store.Path("delegator_17")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("status file still present: %v", err)
	}
	if err := store.Delete("delegator_17"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestRejectsPathNames(t *testing.T) {
	testlog.Start(t)
	if err := NewStore(t.TempDir()).Save("../escape", CommunicatorStatus{}); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("err=%v", err)
	}
}
