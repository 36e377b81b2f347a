package remote

import (
	"context"
	"sync"

	"github.com/kuuji/regiongate/internal/hostcmd"
)

// fakeShell answers commands from a table and records every call.
type fakeShell struct {
	mu        sync.Mutex
	responses map[string]hostcmd.Result
	errs      map[string]error
	calls     []string
	deadlines []bool
}

func newFakeShell() *fakeShell {
	return &fakeShell{
		responses: make(map[string]hostcmd.Result),
		errs:      make(map[string]error),
	}
}

func (f *fakeShell) Run(ctx context.Context, target, command string) (hostcmd.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, target+": "+command)
	_, ok := ctx.Deadline()
	f.deadlines = append(f.deadlines, ok)
	return f.responses[command], f.errs[command]
}
