// Package batch runs a sweep of generations over combinations of options and
// streams the results in a deterministic order.
package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/diffusion/diffusion"
	"github.com/jmorganca/diffusion/scheduler"
	"github.com/jmorganca/diffusion/tensor"
)

var ErrNoPolicy = errors.New("batch error policy not set")

// ErrorPolicy decides whether a failed combination stops the sweep. There is
// no default: callers must choose.
type ErrorPolicy int

const (
	ContinueOnError ErrorPolicy = iota + 1
	AbortOnError
)

func (p ErrorPolicy) String() string {
	switch p {
	case ContinueOnError:
		return "continue"
	case AbortOnError:
		return "abort"
	default:
		return fmt.Sprintf("ErrorPolicy(%d)", int(p))
	}
}

func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "continue":
		return ContinueOnError, nil
	case "abort":
		return AbortOnError, nil
	default:
		return 0, fmt.Errorf("%w: unknown policy %q", ErrNoPolicy, s)
	}
}

type Options struct {
	Policy ErrorPolicy

	// Parallel bounds the number of combinations generating at once. Values
	// below 2 run the sweep sequentially.
	Parallel int
}

// Generator runs one generation. *diffusion.Engine implements it.
type Generator interface {
	Generate(ctx context.Context, model diffusion.ModelOptions, p diffusion.PromptOptions, opts scheduler.Options, fn diffusion.ProgressFunc) (*diffusion.Result, error)
}

// Result is one combination's outcome. Options are the combination's
// options as swept; the resolved seed is in Generation.Options.
type Result struct {
	Index      int
	Options    scheduler.Options
	Generation *diffusion.Result
}

func (r Result) Image() *tensor.Tensor {
	if r.Generation == nil {
		return nil
	}
	return r.Generation.Image
}

// ProgressFunc receives step progress tagged with the combination index. With
// Parallel > 1 it is called from several goroutines.
type ProgressFunc func(index int, p diffusion.Progress)

type outcome struct {
	result *diffusion.Result
	err    error
}

// Run returns a lazy sequence with one element per combination of sweep
// applied to base. Every iteration of the sequence starts a fresh sweep from
// the first combination. Failed combinations are yielded with their error;
// cancellation is yielded once and ends the sequence.
func Run(ctx context.Context, g Generator, model diffusion.ModelOptions, p diffusion.PromptOptions, base scheduler.Options, sweep Sweep, opts Options, fn ProgressFunc) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		if opts.Policy != ContinueOnError && opts.Policy != AbortOnError {
			yield(Result{}, ErrNoPolicy)
			return
		}

		combinations := sweep.Combinations(base)

		// deliver reports whether the sweep should go on
		deliver := func(i int, o outcome) bool {
			r := Result{Index: i, Options: combinations[i], Generation: o.result}
			switch {
			case o.err == nil:
				return yield(r, nil)
			case diffusion.IsCancelled(o.err):
				yield(r, o.err)
				return false
			default:
				return yield(r, o.err) && opts.Policy == ContinueOnError
			}
		}

		if opts.Parallel < 2 {
			for i, o := range combinations {
				if err := ctx.Err(); err != nil {
					deliver(i, outcome{err: fmt.Errorf("%w: %w", diffusion.ErrCancelled, err)})
					return
				}

				r, err := g.Generate(ctx, model, p, o, progress(fn, i))
				if !deliver(i, outcome{result: r, err: err}) {
					return
				}
			}
			return
		}

		ctx, cancel := context.WithCancel(ctx)

		outcomes := make([]chan outcome, len(combinations))
		for i := range outcomes {
			outcomes[i] = make(chan outcome, 1)
		}

		var eg errgroup.Group
		eg.SetLimit(opts.Parallel)

		launched := make(chan struct{})
		go func() {
			defer close(launched)
			for i, o := range combinations {
				if err := ctx.Err(); err != nil {
					outcomes[i] <- outcome{err: fmt.Errorf("%w: %w", diffusion.ErrCancelled, err)}
					continue
				}

				eg.Go(func() error {
					r, err := g.Generate(ctx, model, p, o, progress(fn, i))
					outcomes[i] <- outcome{result: r, err: err}
					return nil
				})
			}
		}()

		defer func() {
			cancel()
			<-launched
			eg.Wait()
		}()

		for i := range combinations {
			if !deliver(i, <-outcomes[i]) {
				return
			}
		}
	}
}

func progress(fn ProgressFunc, i int) diffusion.ProgressFunc {
	if fn == nil {
		return nil
	}
	return func(p diffusion.Progress) { fn(i, p) }
}
