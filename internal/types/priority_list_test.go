package types_test

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/internal/types"
)

func TestPriorityList_Insert(t *testing.T) {
	t.Parallel()

	var l types.PriorityList[string]
	l.Insert(32, "ua")
	l.Insert(16, "tsx")
	l.Insert(64, "app1")
	l.Insert(32, "ua2")
	l.Insert(64, "app2")
	l.Insert(8, "transport")

	want := []string{"transport", "tsx", "ua", "ua2", "app1", "app2"}
	if diff := cmp.Diff(slices.Collect(l.All()), want); diff != "" {
		t.Fatalf("l.All() = unexpected result (-got +want):\n%v", diff)
	}

	slices.Reverse(want)
	if diff := cmp.Diff(slices.Collect(l.Backward()), want); diff != "" {
		t.Fatalf("l.Backward() = unexpected result (-got +want):\n%v", diff)
	}

	if l.Insert(1, "ua") {
		t.Fatal("l.Insert(dup) = true, want false")
	}
}

func TestPriorityList_MutateDuringIteration(t *testing.T) {
	t.Parallel()

	var l types.PriorityList[int]
	for i := range 5 {
		l.Insert(i, i)
	}

	var seen []int
	for v := range l.All() {
		seen = append(seen, v)
		if v == 1 {
			l.Remove(3)
			l.Insert(0, 100)
		}
	}

	if diff := cmp.Diff(seen, []int{0, 1, 2, 3, 4}); diff != "" {
		t.Fatalf("iteration = unexpected result (-got +want):\n%v", diff)
	}
	if diff := cmp.Diff(slices.Collect(l.All()), []int{0, 100, 1, 2, 4}); diff != "" {
		t.Fatalf("l.All() after mutation = unexpected result (-got +want):\n%v", diff)
	}
	if !l.Remove(100) || l.Remove(100) {
		t.Fatal("l.Remove(100) twice = unexpected result")
	}
	if got, want := l.Len(), 4; got != want {
		t.Fatalf("l.Len() = %d, want %d", got, want)
	}
}
