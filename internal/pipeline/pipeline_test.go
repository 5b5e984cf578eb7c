package pipeline

import (
	"errors"
	"testing"
)

func assertEqual[T comparable](t *testing.T, got, want T, msg string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s: got %v, want %v", msg, got, want)
	}
}

// TestChainLeftIdentity checks Chain(Ok(v), f) == f(v).
func TestChainLeftIdentity(t *testing.T) {
	f := func(v int) Result[int] { return Ok(v * 2) }
	got := Chain(Ok(21), f)
	want := f(21)
	gv, gerr := got.Unwrap()
	wv, werr := want.Unwrap()
	assertEqual(t, gv, wv, "value")
	assertEqual(t, gerr, werr, "error")
}

// TestChainRightIdentity checks Chain(r, Ok) == r.
func TestChainRightIdentity(t *testing.T) {
	r := Ok(7)
	got := Chain(r, func(v int) Result[int] { return Ok(v) })
	gv, _ := got.Unwrap()
	assertEqual(t, gv, 7, "value")
}

// TestChainAssociativity checks Chain(Chain(r,f),g) == Chain(r, v => Chain(f(v),g)).
func TestChainAssociativity(t *testing.T) {
	f := func(v int) Result[int] { return Ok(v + 1) }
	g := func(v int) Result[int] { return Ok(v * 3) }

	left := Chain(Chain(Ok(2), f), g)
	right := Chain(Ok(2), func(v int) Result[int] { return Chain(f(v), g) })

	lv, _ := left.Unwrap()
	rv, _ := right.Unwrap()
	assertEqual(t, lv, rv, "associativity")
}

func TestChainShortCircuitsOnErr(t *testing.T) {
	sentinel := errors.New("boom")
	called := false
	r := Chain(Err[int](sentinel), func(v int) Result[int] {
		called = true
		return Ok(v)
	})
	if called {
		t.Fatal("f should not be called on an error arm")
	}
	_, err := r.Unwrap()
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
}

func TestChainErrRecovers(t *testing.T) {
	r := ChainErr(Err[int](errors.New("x")), func(error) Result[int] { return Ok(9) })
	v, err := r.Unwrap()
	if err != nil {
		t.Fatalf("expected recovered ok, got err %v", err)
	}
	assertEqual(t, v, 9, "recovered value")
}

func TestTapRunsOnlyOnOk(t *testing.T) {
	var seen int
	Tap(Ok(5), func(v int) { seen = v })
	assertEqual(t, seen, 5, "tap on ok")

	seen = 0
	Tap(Err[int](errors.New("x")), func(v int) { seen = v })
	assertEqual(t, seen, 0, "tap on err must not run")
}

func TestFoldStopsAtHalt(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	final, halted := Fold(0, items, func(acc int, item int) Step[int] {
		if item == 3 {
			return Halt(acc)
		}
		return Continue(acc + item)
	})
	assertEqual(t, halted, true, "halted")
	assertEqual(t, final, 1+2, "accumulator at halt")
}

func TestFoldRunsToCompletion(t *testing.T) {
	items := []int{1, 2, 3}
	final, halted := Fold(0, items, func(acc int, item int) Step[int] {
		return Continue(acc + item)
	})
	assertEqual(t, halted, false, "halted")
	assertEqual(t, final, 6, "sum")
}
