package types_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/internal/types"
)

func TestCallbackManager(t *testing.T) {
	t.Parallel()

	var (
		m   types.CallbackManager[func() string]
		got []string
	)
	call := func() {
		got = got[:0]
		for fn := range m.All() {
			got = append(got, fn())
		}
	}

	rmA := m.Add(func() string { return "a" })
	var rmC func()
	m.Add(func() string {
		// registered during the iteration, seen by the next one
		if rmC == nil {
			rmC = m.Add(func() string { return "c" })
		}
		return "b"
	})

	call()
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Fatalf("first call mismatch (-want +got):\n%v", diff)
	}
	call()
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Fatalf("second call mismatch (-want +got):\n%v", diff)
	}

	rmA()
	rmA()
	rmC()
	call()
	if diff := cmp.Diff([]string{"b"}, got); diff != "" {
		t.Fatalf("call after remove mismatch (-want +got):\n%v", diff)
	}
	if n := m.Len(); n != 1 {
		t.Errorf("m.Len() = %d, want 1", n)
	}
}

func TestCallbackManager_Nil(t *testing.T) {
	t.Parallel()

	var m *types.CallbackManager[func()]
	if n := m.Len(); n != 0 {
		t.Errorf("m.Len() = %d, want 0", n)
	}
	for range m.All() {
		t.Fatal("m.All() yielded a callback, want none")
	}
}
