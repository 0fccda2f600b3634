// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceNotReady        = newZeusError("service not ready", 1, true) // This indicates the service is still in init
	ErrServiceUnavailable     = newZeusError("service unavailable", 2, true)
	ErrServiceTooManyRequests = newZeusError("too many concurrent connections", 3, true)
	ErrServiceInternal        = newZeusError("service internal error", 4, false) // Never return this error out of the server

	// Protocol related
	ErrProtocol          = newZeusError("protocol violation", 100, false, WithErrorType(InputError))
	ErrProtocolOversize  = newZeusError("record exceeds max message size", 101, false, WithErrorType(InputError))
	ErrProtocolBadTag    = newZeusError("unknown record tag", 102, false, WithErrorType(InputError))
	ErrProtocolBadState  = newZeusError("record not allowed in current state", 103, false, WithErrorType(InputError))
	ErrProtocolTruncated = newZeusError("record body truncated", 104, false, WithErrorType(InputError))

	// Crypto related
	ErrCryptoHandshake = newZeusError("handshake failed", 200, false)
	ErrCryptoIntegrity = newZeusError("record integrity check failed", 201, false)
	ErrCryptoReplay    = newZeusError("record sequence replayed", 202, false)
	ErrCryptoNotReady  = newZeusError("crypto session not established", 203, false)

	// Auth related
	ErrAuthInvalidCredentials = newZeusError("invalid credentials", 300, false, WithErrorType(InputError))
	ErrAuthExpired            = newZeusError("credentials expired", 301, false, WithErrorType(InputError))
	ErrAuthLockedOut          = newZeusError("too many login attempts, locked out", 302, false, WithErrorType(InputError))
	ErrAuthStoreUnavailable   = newZeusError("auth store unavailable", 303, true)

	// Rate limiting related
	ErrRateExceeded = newZeusError("rate limit exceeded", 400, false, WithErrorType(InputError))

	// Session related
	ErrSessionNotFound      = newZeusError("session not found", 500, false)
	ErrSessionBackpressured = newZeusError("session outbound queue is full", 501, true)
	ErrSessionStalled       = newZeusError("session outbound stalled", 502, false)
	ErrSessionIdle          = newZeusError("session idle timeout", 503, false)
	ErrSessionClosed        = newZeusError("session already closed", 504, false)
	ErrSessionDuplicate     = newZeusError("session id already registered", 505, false)

	// IO related
	ErrIoFailed  = newZeusError("io failure", 600, false)
	ErrIoTimeout = newZeusError("io timeout", 601, true)

	errUnexpected = newZeusError("unexpected error", 1001, false)
)

type errorOption func(*zeusError)

func WithDetail(detail string) errorOption {
	return func(err *zeusError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *zeusError) {
		err.errType = etype
	}
}

type zeusError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newZeusError(msg string, code int32, retriable bool, options ...errorOption) zeusError {
	err := zeusError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e zeusError) code() int32 {
	return e.errCode
}

func (e zeusError) Error() string {
	return e.msg
}

func (e zeusError) Detail() string {
	return e.detail
}

func (e zeusError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(zeusError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
