package config

import "fmt"

// ValidationError reports a record that failed invariant checks during a
// mutation. The mutation is rejected before anything is written, so the
// on-disk state is unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Reason
	}
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StoreIOError reports a persistence-layer failure (lock, read, write,
// rename). It is fatal to the invoking command; no partial record is ever
// left behind because writes go through a temp file + rename.
type StoreIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("config store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreIOError) Unwrap() error { return e.Err }

func storeErr(op, path string, err error) error {
	return &StoreIOError{Op: op, Path: path, Err: err}
}
