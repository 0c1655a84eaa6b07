/*
 *	Copyright 2024 The graphrt Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package status defines the error taxonomy shared by the graph IR, the
// kernel registry and the execution providers.
//
// Every public mutating or computing entry point of the runtime returns a
// plain Go error; this package adds a Code tag to those errors so callers can
// branch on the kind of failure without string matching. Errors are created
// with Errorf or Wrapf, carry a stack trace (github.com/pkg/errors), and the
// code survives any further wrapping: CodeOf walks the cause chain.
package status

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Code tags an error with the kind of failure.
type Code int

const (
	// OK is the zero code, never attached to a non-nil error.
	OK Code = iota

	// InvalidArgument: malformed attributes, out-of-range axis, axis-count
	// mismatch, negative resulting dimension, dangling node reference.
	InvalidArgument

	// NotImplemented: unsupported cross-location copy, or unsupported
	// operator/version/backend combination.
	NotImplemented

	// StructuralError: cycle in the graph, or unresolved type/shape after a
	// structural mutation.
	StructuralError

	// DuplicateRegistration: ambiguous kernel registration.
	DuplicateRegistration
)

// String implements fmt.Stringer.
func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidArgument:
		return "InvalidArgument"
	case NotImplemented:
		return "NotImplemented"
	case StructuralError:
		return "StructuralError"
	case DuplicateRegistration:
		return "DuplicateRegistration"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// codedError is the error payload holding the Code. It is always wrapped with
// a stack trace before leaving this package.
type codedError struct {
	code Code
	msg  string
}

func (e *codedError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.msg) }

// Errorf returns a new error tagged with the given code, with a stack trace
// of the caller.
func Errorf(code Code, format string, args ...any) error {
	return errors.WithStack(&codedError{code: code, msg: fmt.Sprintf(format, args...)})
}

// Wrapf annotates err with a code and a message, preserving err as the cause.
// It returns nil if err is nil.
func Wrapf(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&wrappedError{
		codedError: codedError{code: code, msg: fmt.Sprintf(format, args...)},
		cause:      err,
	})
}

type wrappedError struct {
	codedError
	cause error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.cause)
}

func (e *wrappedError) Unwrap() error { return e.cause }

// CodeOf returns the Code attached to err, walking the chain of wrapped
// errors. It returns OK for nil, and StructuralError for untagged errors --
// an untagged failure escaping the runtime is by definition a structural one.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	// Check the wrapping kind first: the outermost tag wins.
	var wrapped *wrappedError
	if stderrors.As(err, &wrapped) {
		return wrapped.code
	}
	var coded *codedError
	if stderrors.As(err, &coded) {
		return coded.code
	}
	return StructuralError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return code == OK
	}
	return CodeOf(err) == code
}
