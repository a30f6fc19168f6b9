// Copyright 2025 go-highway Authors
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

package lower

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the lowering matches exactly one of
// these with errors.Is.
var (
	// ErrConfiguration marks combinations the lowering does not implement.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation marks operands that violate a structural requirement.
	ErrValidation = errors.New("validation error")
)

// Specific failures. Each wraps one of the kinds above.
var (
	ErrTransferTooNarrow   = errors.New("async copy does not support transfers smaller than 4 bytes")
	ErrBlockNotTrivial     = errors.New("async copy destination layout is not trivial over block")
	ErrUnsupportedModifier = errors.New("cache, eviction or volatile modifiers are not implemented for descriptor copies")
	ErrUnsupportedRMW      = errors.New("unsupported atomic read-modify-write kind")
	ErrUnsupportedElement  = errors.New("unsupported element type")
	ErrUnsupportedFill     = errors.New("async copy only supports a zero fill value")
	ErrUnsupportedTarget   = errors.New("operation is not available on target")
	ErrOffsetsNotGrouped   = errors.New("x offsets must be grouped in 4 consecutive registers")
	ErrOffsetsNotBroadcast = errors.New("x offsets must be broadcasted across each warp")
	ErrShapeMismatch       = errors.New("result shape must match the allocation shape")
	ErrEncoding            = errors.New("shared memory encoding must be the MMA shared encoding")
	ErrMalformedOperand    = errors.New("malformed operand")
)

// LoweringError reports why one operation could not be lowered.
type LoweringError struct {
	Kind error  // ErrConfiguration or ErrValidation
	Op   string // operation name
	Err  error
}

func (e *LoweringError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the specific failure to errors.Is.
func (e *LoweringError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func opName(op Op) string {
	if op == nil {
		return "config"
	}
	return op.Name()
}

func configError(op Op, err error) error {
	return &LoweringError{Kind: ErrConfiguration, Op: opName(op), Err: err}
}

func validationError(op Op, err error) error {
	return &LoweringError{Kind: ErrValidation, Op: opName(op), Err: err}
}

// InternalError is the panic value raised when the lowering reaches a state
// its own planning rules out.
type InternalError struct {
	Msg string
}

func (e InternalError) Error() string {
	return "internal lowering error: " + e.Msg
}

func internalf(format string, args ...any) {
	panic(InternalError{Msg: fmt.Sprintf(format, args...)})
}

// Remark is a non-fatal note attached to an expansion.
type Remark struct {
	Op            string
	Message       string
	VecWidth      int
	OrigVecWidth  int
	ElemsPerLane  int
	MaskAlignment int // -1 when unmasked
}

func (r Remark) String() string {
	return fmt.Sprintf("%s: %s", r.Op, r.Message)
}
