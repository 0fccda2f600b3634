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
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrSessionNotFound(42)
	errors.Wrap(err, "failed to unicast")
	s.ErrorIs(err, ErrSessionNotFound)
	s.Equal(Code(ErrSessionNotFound), Code(err))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errUnexpected))

	sameCodeErr := newZeusError("new error", ErrSessionNotFound.errCode, false)
	s.True(sameCodeErr.Is(ErrSessionNotFound))
}

func (s *ErrSuite) TestWrap() {
	s.ErrorIs(WrapErrProtocolOversize(2048, 1024, "read record"), ErrProtocolOversize)
	s.ErrorIs(WrapErrProtocolBadTag(0xAB), ErrProtocolBadTag)
	s.ErrorIs(WrapErrProtocolBadState(0x03, "Handshake"), ErrProtocolBadState)
	s.ErrorIs(WrapErrCryptoReplay(7, 9), ErrCryptoReplay)
	s.ErrorIs(WrapErrCryptoIntegrity("mac mismatch"), ErrCryptoIntegrity)
	s.ErrorIs(WrapErrAuthInvalidCredentials("alice"), ErrAuthInvalidCredentials)
	s.ErrorIs(WrapErrAuthLockedOut("10.0.0.1"), ErrAuthLockedOut)
	s.ErrorIs(WrapErrRateExceeded("messages"), ErrRateExceeded)
	s.ErrorIs(WrapErrSessionBackpressured(1), ErrSessionBackpressured)
}

func (s *ErrSuite) TestRetriable() {
	s.True(IsRetryableErr(ErrAuthStoreUnavailable))
	s.True(IsRetryableErr(WrapErrAuthStoreUnavailable("connection refused")))
	s.True(IsRetryableErr(ErrSessionBackpressured))
	s.False(IsRetryableErr(ErrCryptoReplay))
	s.False(IsRetryableErr(ErrCryptoIntegrity))
	s.False(IsRetryableErr(ErrRateExceeded))
	s.False(IsRetryableErr(errors.New("not a zeus error")))
}

func (s *ErrSuite) TestCombine() {
	var (
		errFirst  = errors.New("first")
		errSecond = errors.New("second")
		errThird  = errors.New("third")
	)

	err := Combine(errFirst, errSecond)
	s.True(errors.Is(err, errFirst))
	s.True(errors.Is(err, errSecond))
	s.False(errors.Is(err, errThird))

	s.Equal("first: second", err.Error())
}

func (s *ErrSuite) TestCombineWithNil() {
	err := errors.New("non-nil")

	s.Equal(err.Error(), Combine(nil, err).Error())
	s.Equal(err.Error(), Combine(err, nil).Error())
	s.NoError(Combine(nil, nil))
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
