package pipeline

// Step is the fold-control value the Evaluator inspects after applying one
// interaction: Continue carries the accumulator forward, Halt stops the fold
// and carries the terminal output. It is deliberately a different type from
// Result: a step that fails still produces a value (an output recording the
// failure) and must Continue or Halt on its own terms, never on whether a Go
// error was returned. Only a cache write or an upstream fetch failure — an
// engine-level fault, not a contained step outcome — becomes a Result error.
type Step[T any] struct {
	acc    T
	halted bool
}

// Continue carries acc into the next fold iteration.
func Continue[T any](acc T) Step[T] {
	return Step[T]{acc: acc}
}

// Halt stops the fold; acc is the terminal value returned to the caller.
func Halt[T any](acc T) Step[T] {
	return Step[T]{acc: acc, halted: true}
}

// Halted reports whether the fold should stop after this step.
func (s Step[T]) Halted() bool { return s.halted }

// Value returns the carried accumulator, valid whether continuing or halted.
func (s Step[T]) Value() T { return s.acc }

// Fold drives a left fold over items, applying step to the running
// accumulator and stopping as soon as a Step reports Halted. It returns the
// final accumulator and whether the fold was stopped early.
func Fold[T, I any](init T, items []I, step func(acc T, item I) Step[T]) (T, bool) {
	acc := init
	for _, item := range items {
		s := step(acc, item)
		acc = s.Value()
		if s.Halted() {
			return acc, true
		}
	}
	return acc, false
}
