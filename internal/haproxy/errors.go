package haproxy

import "fmt"

// CompileError reports a rule-set conflict detected while generating the
// proxy configuration. It aborts configuration generation for the pass;
// the caller resolves it by correcting input, never by retrying.
type CompileError struct {
	Reason string
}

func (e *CompileError) Error() string {
	return "compiling forwarding config: " + e.Reason
}

// ReloadError reports that the external proxy rejected or failed to apply
// a new configuration. The previous configuration stays active.
type ReloadError struct {
	Stage  string // "stage", "validate", "activate", "reload", "verify"
	Output string
	Err    error
}

func (e *ReloadError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("proxy %s failed: %v: %s", e.Stage, e.Err, e.Output)
	}
	return fmt.Sprintf("proxy %s failed: %v", e.Stage, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }
