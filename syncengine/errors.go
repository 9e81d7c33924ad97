package syncengine

import "errors"

// Failure taxonomy for chunk work:
//   - transient: worth retrying in place (429, 5xx, network). Retried within
//     the chunk, then counted against the consecutive-failure budget.
//   - run-fatal: no amount of retrying helps (401, revoked credentials). The
//     run fails immediately, checkpoint preserved.
//   - anything else is chunk-fatal (malformed page, bad row shape): skipped on
//     index-chunked work, retried-until-budget on cursor work.

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

type runFatalError struct{ err error }

func (e *runFatalError) Error() string { return e.err.Error() }
func (e *runFatalError) Unwrap() error { return e.err }

func RunFatal(err error) error {
	if err == nil {
		return nil
	}
	return &runFatalError{err: err}
}

func IsRunFatal(err error) bool {
	var f *runFatalError
	return errors.As(err, &f)
}
