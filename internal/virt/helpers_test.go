package virt

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

// fakeRunner replays canned outputs keyed by command-line prefix and
// records every invocation for assertions.
type fakeRunner struct {
	calls     []string
	responses map[string]Output
	errs      map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: map[string]Output{},
		errs:      map[string]error{},
	}
}

func (f *fakeRunner) respond(prefix string, out Output) {
	f.responses[prefix] = out
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) (Output, error) {
	line := commandLine(name, args)
	f.calls = append(f.calls, line)

	for prefix, err := range f.errs {
		if strings.HasPrefix(line, prefix) {
			return Output{ExitCode: -1}, err
		}
	}
	for prefix, out := range f.responses {
		if strings.HasPrefix(line, prefix) {
			return out, nil
		}
	}
	return Output{}, nil
}

func (f *fakeRunner) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAdapter(t *testing.T, f *fakeRunner, opts ...Option) *Adapter {
	t.Helper()
	opts = append([]Option{WithRunner(f.run), WithLogger(quietLogger())}, opts...)
	return NewAdapter(opts...)
}
