package workerpool

import (
	"slices"
	"testing"

	"pgregory.net/rapid"
)

func TestRingGrow_WithWrap(t *testing.T) {
	r := newRing[int](4)

	r.Push(1)
	r.Push(2)
	r.Push(3)

	if v, _ := r.Pop(); v != 1 {
		t.Fatalf("expected to pop 1, got %d", v)
	}

	r.Push(4)
	r.Push(5)

	// the buffer is now full and wrapped: [5,2,3,4]; the next push grows
	r.Push(6)

	if len(r.buf) <= 4 {
		t.Fatalf("grow() didn't increase capacity")
	}
	if r.Len() != 5 {
		t.Fatalf("expected size=5 after grow, got %d", r.Len())
	}

	for i, exp := range []int{2, 3, 4, 5, 6} {
		v, ok := r.Pop()
		if !ok {
			t.Fatalf("Pop %d returned false", i)
		}
		if v != exp {
			t.Fatalf("FIFO order broken at %d: expected %d, got %d", i, exp, v)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("Pop on empty ring returned true")
	}
}

func TestRingRemoveFunc_Limit(t *testing.T) {
	r := newRing[int](4)
	for i := 1; i <= 10; i++ {
		r.Push(i)
	}
	even := func(v int) bool { return v%2 == 0 }

	if got := r.RemoveFunc(2, even); !slices.Equal(got, []int{2, 4}) {
		t.Fatalf("RemoveFunc(2) = %v; want [2 4]", got)
	}
	if got := r.RemoveFunc(0, even); got != nil {
		t.Fatalf("RemoveFunc(0) = %v; want nil", got)
	}
	if got := r.RemoveFunc(-1, even); !slices.Equal(got, []int{6, 8, 10}) {
		t.Fatalf("RemoveFunc(-1) = %v; want [6 8 10]", got)
	}

	var rest []int
	for r.Len() > 0 {
		v, _ := r.Pop()
		rest = append(rest, v)
	}
	if !slices.Equal(rest, []int{1, 3, 5, 7, 9}) {
		t.Fatalf("remaining = %v; want odd numbers in order", rest)
	}
}

// TestRingModel checks the ring against a plain slice under random
// sequences of push, pop and filtered removal.
func TestRingModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := newRing[int](rapid.IntRange(1, 8).Draw(t, "capacity"))
		var model []int
		next := 0

		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for range steps {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				r.Push(next)
				model = append(model, next)
				next++
			case 1:
				v, ok := r.Pop()
				if ok != (len(model) > 0) {
					t.Fatalf("Pop ok=%v with model len %d", ok, len(model))
				}
				if ok {
					if v != model[0] {
						t.Fatalf("Pop = %d; want %d", v, model[0])
					}
					model = model[1:]
				}
			case 2:
				mod := rapid.IntRange(2, 4).Draw(t, "mod")
				limit := rapid.IntRange(-1, 5).Draw(t, "limit")
				match := func(v int) bool { return v%mod == 0 }

				var want, kept []int
				for _, v := range model {
					if (limit < 0 || len(want) < limit) && match(v) {
						want = append(want, v)
					} else {
						kept = append(kept, v)
					}
				}
				got := r.RemoveFunc(limit, match)
				if !slices.Equal(got, want) {
					t.Fatalf("RemoveFunc(%d) = %v; want %v", limit, got, want)
				}
				model = kept
			}
			if r.Len() != len(model) {
				t.Fatalf("Len = %d; want %d", r.Len(), len(model))
			}
		}
	})
}
