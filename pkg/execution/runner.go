package execution

import (
	"context"
	"sync"
)

// Executor runs source code. *Client is the production implementation.
type Executor interface {
	Run(ctx context.Context, language, source string) Result
}

// Pane is what the output area shows.
type Pane struct {
	// Output is the last successful run. Failed runs leave it untouched.
	Output  *Output
	Err     string
	Running bool
}

// Runner keeps one output pane up to date. The last request wins: starting a
// run cancels the one in flight and results of superseded runs are dropped.
type Runner struct {
	exec     Executor
	onChange func(Pane)

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
	pane   Pane
	closed bool
	wg     sync.WaitGroup
}

// NewRunner returns a runner. onChange may be nil and is called without locks
// held.
func NewRunner(exec Executor, onChange func(Pane)) *Runner {
	if onChange == nil {
		onChange = func(Pane) {}
	}
	return &Runner{exec: exec, onChange: onChange}
}

// Start begins running source in the background.
func (r *Runner) Start(ctx context.Context, language, source string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.seq++
	seq := r.seq
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.pane.Running = true
	pane := r.pane
	r.wg.Add(1)
	r.mu.Unlock()
	r.onChange(pane)

	go func() {
		defer r.wg.Done()
		defer cancel()
		res := r.exec.Run(ctx, language, source)

		r.mu.Lock()
		if r.closed || seq != r.seq {
			r.mu.Unlock()
			return
		}
		if res.Error {
			r.pane.Err = res.Message
		} else {
			r.pane.Output = res.Run
			r.pane.Err = ""
		}
		r.pane.Running = false
		r.cancel = nil
		pane := r.pane
		r.mu.Unlock()
		r.onChange(pane)
	}()
}

// Pane returns the current pane.
func (r *Runner) Pane() Pane {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pane
}

// Wait blocks until every started run has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close cancels any run in flight and discards its result. It is safe to call
// more than once.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
}
