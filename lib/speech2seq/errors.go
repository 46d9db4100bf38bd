// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package speech2seq

import (
	"errors"
	"fmt"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/kvcache"
)

// Errors returned by this package. None of them are retried internally.
var (
	ErrUnsupportedArchitecture = architecture.ErrUnsupportedArchitecture
	ErrGeometryMismatch        = architecture.ErrGeometryMismatch
	ErrCacheOverflow           = kvcache.ErrCacheOverflow

	ErrEncodingFailed  = errors.New("encoding failed")
	ErrDecodingFailed  = errors.New("decoding failed")
	ErrSessionAborted  = errors.New("session aborted")
	ErrSessionClosed   = errors.New("session closed")
	ErrModelClosed     = errors.New("model closed")
	ErrNotMultilingual = errors.New("model is not multilingual")
	ErrInvalidTokens   = errors.New("invalid tokens")
	ErrOffsetGap       = errors.New("offset skips uncached positions")
)

// SessionError is returned by the step that aborted a session. It carries the
// tokens committed before the failure so callers can recover a partial
// transcript. errors.Is reports true for ErrSessionAborted and for the cause.
type SessionError struct {
	SessionID string
	// Offset is the session offset when the failure happened.
	Offset int
	// Committed holds, per group, every token consumed by successful steps.
	Committed [][]int64
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s aborted at offset %d: %v", e.SessionID, e.Offset, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func (e *SessionError) Is(target error) bool {
	return target == ErrSessionAborted
}

// failureReason maps an error to the label used by the session failure metric.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrCacheOverflow):
		return "cache_overflow"
	case errors.Is(err, ErrGeometryMismatch):
		return "geometry_mismatch"
	case errors.Is(err, ErrEncodingFailed):
		return "encoding_failed"
	case errors.Is(err, ErrDecodingFailed):
		return "decoding_failed"
	default:
		return "other"
	}
}
