package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why the runtime could not be acquired.
type Kind string

const (
	// KindStartupTimeout means the runtime never announced readiness.
	KindStartupTimeout Kind = "startup_timeout"
	// KindProcessExited means the runtime exited (or could not start).
	KindProcessExited Kind = "process_exited"
	// KindPortUnavailable means a pinned port was already bound.
	KindPortUnavailable Kind = "port_unavailable"
)

var (
	ErrStartupTimeout  = errors.New("runtime startup timed out")
	ErrProcessExited   = errors.New("runtime process exited")
	ErrPortUnavailable = errors.New("runtime port unavailable")
)

// StartupError is returned by Acquire when a spawn attempt fails.
// Output holds the tail of the runtime's combined stdout/stderr.
type StartupError struct {
	Kind   Kind
	Output string
	Err    error
}

func (e *StartupError) Error() string {
	var b strings.Builder
	b.WriteString(e.sentinel().Error())
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, "\noutput:\n%s", out)
	}
	return b.String()
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels. A busy pinned port also
// matches ErrProcessExited: the runtime could not be started at all.
func (e *StartupError) Is(target error) bool {
	if target == e.sentinel() {
		return true
	}
	return e.Kind == KindPortUnavailable && target == ErrProcessExited
}

func (e *StartupError) sentinel() error {
	switch e.Kind {
	case KindStartupTimeout:
		return ErrStartupTimeout
	case KindPortUnavailable:
		return ErrPortUnavailable
	default:
		return ErrProcessExited
	}
}
