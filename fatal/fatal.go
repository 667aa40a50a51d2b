// Package fatal is the process-wide error handler for corruption-class
// failures that must never be returned as an ordinary error: double
// frees, releasing a chunk the caller never owned, and other
// programming errors that indicate the shared-memory state is no
// longer trustworthy.
package fatal

import "log"

// Handler aborts the process after logging msg. The default handler
// logs via the standard logger and calls os.Exit(1) (through
// log.Fatalf), matching the teacher's use of log.Fatalf for
// unrecoverable configuration errors.
type Handler func(format string, args ...any)

var handler Handler = log.Fatalf

// SetHandler overrides the process-wide fatal handler, primarily for
// tests that want to assert a fatal condition was reached without
// terminating the test binary.
func SetHandler(h Handler) {
	if h == nil {
		handler = log.Fatalf
		return
	}
	handler = h
}

// Errorf reports a corruption-class error and aborts the process.
func Errorf(format string, args ...any) {
	handler(format, args...)
}
