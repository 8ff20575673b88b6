package auth

import "context"

// Execution describes who is driving the current call chain. Operations that
// hold elevated credentials, such as machine-to-machine tokens, are only
// permitted when the execution is trusted.
type Execution int

const (
	// ExecRequest is work done on behalf of an inbound end-user request. It is
	// the zero value so that an unmarked context is never trusted.
	ExecRequest Execution = iota
	// ExecBackground is server-initiated work such as schedulers and
	// administrative jobs.
	ExecBackground
	// ExecCLI is an operator-run command line tool.
	ExecCLI
)

func (e Execution) String() string {
	switch e {
	case ExecRequest:
		return "request"
	case ExecBackground:
		return "background"
	case ExecCLI:
		return "cli"
	default:
		return "unknown"
	}
}

// Trusted reports whether e may use backend credentials.
func (e Execution) Trusted() bool {
	return e == ExecBackground || e == ExecCLI
}

type executionKey struct{}

// WithExecution marks ctx as driven by e.
func WithExecution(ctx context.Context, e Execution) context.Context {
	return context.WithValue(ctx, executionKey{}, e)
}

// ExecutionFrom returns the execution recorded on ctx, or ExecRequest when
// none was recorded.
func ExecutionFrom(ctx context.Context) Execution {
	if e, ok := ctx.Value(executionKey{}).(Execution); ok {
		return e
	}
	return ExecRequest
}
