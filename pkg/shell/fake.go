package shell

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Call records one invocation against a Fake runner.
type Call struct {
	Name  string
	Args  []string
	Stdin []byte
}

func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Fake is a scriptable Runner for tests. Every invocation is recorded;
// Handler, when set, decides the result per command. The zero value
// succeeds everything with empty output.
type Fake struct {
	mu      sync.Mutex
	calls   []Call
	Handler func(name string, args ...string) (Result, error)
}

func (f *Fake) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	// A done context fails the call the way Local's killed tool would.
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return f.record(Call{Name: name, Args: args})
}

func (f *Fake) RunInput(ctx context.Context, timeout time.Duration, stdin []byte, name string, args ...string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	in := make([]byte, len(stdin))
	copy(in, stdin)
	return f.record(Call{Name: name, Args: args, Stdin: in})
}

func (f *Fake) record(c Call) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.Handler != nil {
		return f.Handler(c.Name, c.Args...)
	}
	return Result{}, nil
}

// Calls returns a copy of everything invoked so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CommandLines renders recorded calls one per line, handy for sequence
// assertions.
func (f *Fake) CommandLines() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Exit builds a Result carrying a non-zero code and stderr text, paired
// with a matching error the way Local reports tool failures.
func Exit(code int, stderr string) (Result, error) {
	return Result{Stderr: []byte(stderr), Code: code}, fmt.Errorf("exit status %d", code)
}
