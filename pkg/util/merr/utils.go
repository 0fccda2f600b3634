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
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case zeusError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	if err, ok := err.(zeusError); ok {
		return err.retriable
	}

	cause := errors.Cause(err)
	if cause, ok := cause.(zeusError); ok {
		return cause.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

// IsFatalSessionErr 判断错误是否应当终止整个会话。
//
// 约定：协议、完整性、重放、限速类错误均为致命；
// 可重试错误（例如 auth store 暂不可用）不终止会话。
func IsFatalSessionErr(err error) bool {
	if err == nil {
		return false
	}
	return !IsRetryableErr(err)
}

// Service related

func WrapErrServiceNotReady(component, state string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceNotReady, state, value("component", component))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceTooManyRequests(current, limit int, msg ...string) error {
	err := wrapFields(ErrServiceTooManyRequests,
		value("current", current),
		value("limit", limit),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternal(msg string, others ...string) error {
	msg = strings.Join(append([]string{msg}, others...), "; ")
	err := wrapFields(ErrServiceInternal, value("msg", msg))
	return err
}

// Protocol related

func WrapErrProtocol(desc string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrProtocol, desc)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrProtocolOversize(size, limit uint32, msg ...string) error {
	err := wrapFields(ErrProtocolOversize,
		value("size", size),
		value("limit", limit),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrProtocolBadTag(tag byte, msg ...string) error {
	err := wrapFields(ErrProtocolBadTag, value("tag", fmt.Sprintf("0x%02x", tag)))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrProtocolBadState(tag byte, state string, msg ...string) error {
	err := wrapFields(ErrProtocolBadState,
		value("tag", fmt.Sprintf("0x%02x", tag)),
		value("state", state),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrProtocolTruncated(got, want int, msg ...string) error {
	err := wrapFields(ErrProtocolTruncated,
		value("got", got),
		value("want", want),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Crypto related

func WrapErrCryptoHandshake(desc string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrCryptoHandshake, desc)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrCryptoIntegrity(msg ...string) error {
	err := error(ErrCryptoIntegrity)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrCryptoReplay(seq, highwater uint64, msg ...string) error {
	err := wrapFields(ErrCryptoReplay,
		value("seq", seq),
		value("highwater", highwater),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Auth related

func WrapErrAuthInvalidCredentials(username string, msg ...string) error {
	err := wrapFields(ErrAuthInvalidCredentials, value("username", username))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAuthExpired(username string, msg ...string) error {
	err := wrapFields(ErrAuthExpired, value("username", username))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAuthLockedOut(addr string, msg ...string) error {
	err := wrapFields(ErrAuthLockedOut, value("addr", addr))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAuthStoreUnavailable(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrAuthStoreUnavailable, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Rate limiting related

func WrapErrRateExceeded(kind string, msg ...string) error {
	err := wrapFields(ErrRateExceeded, value("kind", kind))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Session related

func WrapErrSessionNotFound(id uint64, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, value("session", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionBackpressured(id uint64, msg ...string) error {
	err := wrapFields(ErrSessionBackpressured, value("session", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionDuplicate(id uint64, msg ...string) error {
	err := wrapFields(ErrSessionDuplicate, value("session", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func wrapFields(err zeusError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err zeusError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}
