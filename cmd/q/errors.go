package main

import "errors"

// classifiedError wraps an error with one of the exit-code categories used
// by main's error handling, so each subcommand can return a plain error
// from RunE while main still knows which of the documented exit codes to
// use.
type classifiedError struct {
	kind string
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

func configError(err error) error    { return &classifiedError{kind: "config", err: err} }
func imageError(err error) error     { return &classifiedError{kind: "image", err: err} }
func transportError(err error) error { return &classifiedError{kind: "transport", err: err} }

func isConfigError(err error) bool    { return hasKind(err, "config") }
func isImageError(err error) bool     { return hasKind(err, "image") }
func isTransportError(err error) bool { return hasKind(err, "transport") }

func hasKind(err error, kind string) bool {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind == kind
	}
	return false
}
