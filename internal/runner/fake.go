package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is a Commander for tests. It records every invocation and serves
// canned stdout/errors keyed by command line prefix. The zero value is usable:
// unknown commands succeed with empty output.
type Fake struct {
	mu    sync.Mutex
	calls []string
	// Outputs maps a command-line prefix to canned stdout for Output calls.
	Outputs map[string]string
	// Errors maps a command-line prefix to an error returned by any method.
	Errors map[string]error
}

// NewFake returns a Fake with initialized maps.
func NewFake() *Fake {
	return &Fake{Outputs: map[string]string{}, Errors: map[string]error{}}
}

// Calls returns the recorded command lines in invocation order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CalledWith reports whether any recorded call starts with prefix.
func (f *Fake) CalledWith(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (f *Fake) record(line string) {
	f.mu.Lock()
	f.calls = append(f.calls, line)
	f.mu.Unlock()
}

// lookup matches the longest registered prefix so overlapping entries like
// "lsblk -no PKNAME /dev/sdb" and "lsblk -no PKNAME /dev/sdb2" resolve
// deterministically. An error entry wins over an output entry of equal length.
func (f *Fake) lookup(line string) (string, error) {
	outLen, errLen := -1, -1
	var out string
	var rerr error
	for prefix, o := range f.Outputs {
		if strings.HasPrefix(line, prefix) && len(prefix) > outLen {
			outLen, out = len(prefix), o
		}
	}
	for prefix, e := range f.Errors {
		if strings.HasPrefix(line, prefix) && len(prefix) > errLen {
			errLen, rerr = len(prefix), e
		}
	}
	if errLen >= outLen && rerr != nil {
		return "", rerr
	}
	if outLen >= 0 {
		return out, nil
	}
	return "", nil
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) error {
	line := Cmd{Name: name, Args: args}.String()
	f.record(line)
	_, err := f.lookup(line)
	return err
}

func (f *Fake) Output(ctx context.Context, name string, args ...string) (string, error) {
	line := Cmd{Name: name, Args: args}.String()
	f.record(line)
	return f.lookup(line)
}

func (f *Fake) RunInput(ctx context.Context, stdin string, name string, args ...string) error {
	line := Cmd{Name: name, Args: args}.String()
	f.record(line + " <<< " + stdin)
	_, err := f.lookup(line)
	return err
}

func (f *Fake) Pipe(ctx context.Context, first Cmd, second Cmd) error {
	line := fmt.Sprintf("%s | %s", first, second)
	f.record(line)
	if _, err := f.lookup(first.String()); err != nil {
		return err
	}
	_, err := f.lookup(second.String())
	return err
}
