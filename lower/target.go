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
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Target describes the capabilities of one GPU generation.
type Target struct {
	Name              string // "sm80"
	ComputeCapability int    // 80
	WarpSize          int    // threads per warp
	MaxVectorBits     int    // widest single global access
}

// FractionalL2Policy reports whether createpolicy.fractional is available.
func (t Target) FractionalL2Policy() bool { return t.ComputeCapability >= 80 }

// VectorizedAtomics reports whether vector float-add atomics are available.
func (t Target) VectorizedAtomics() bool { return t.ComputeCapability >= 90 }

// NativeBF16Atomics reports whether bf16 add atomics are available.
func (t Target) NativeBF16Atomics() bool { return t.ComputeCapability >= 90 }

// NativeF16Atomics reports whether f16 add atomics are available.
func (t Target) NativeF16Atomics() bool { return t.ComputeCapability >= 70 }

// BulkTensorCopy reports whether descriptor-based bulk copies are available.
func (t Target) BulkTensorCopy() bool { return t.ComputeCapability >= 90 }

// GatherScatter4 reports whether the four-row gather and scatter are available.
func (t Target) GatherScatter4() bool { return t.ComputeCapability >= 100 }

func smTarget(cc int) Target {
	return Target{
		Name:              fmt.Sprintf("sm%d", cc),
		ComputeCapability: cc,
		WarpSize:          32,
		MaxVectorBits:     128,
	}
}

var targets = map[string]Target{
	"sm70":  smTarget(70),
	"sm75":  smTarget(75),
	"sm80":  smTarget(80),
	"sm86":  smTarget(86),
	"sm89":  smTarget(89),
	"sm90":  smTarget(90),
	"sm100": smTarget(100),
}

// TargetNames returns the known target names in capability order.
func TargetNames() []string {
	names := lo.Keys(targets)
	slices.SortFunc(names, func(a, b string) int {
		return targets[a].ComputeCapability - targets[b].ComputeCapability
	})
	return names
}

// GetTarget returns the target configuration for the given name.
func GetTarget(name string) (Target, error) {
	t, ok := targets[strings.ToLower(name)]
	if !ok {
		return Target{}, configError(nil, fmt.Errorf("unknown target: %s (valid: %s)",
			name, strings.Join(TargetNames(), ", ")))
	}
	return t, nil
}

// Config holds the per-kernel context the lowering needs.
type Config struct {
	Target Target

	// NumWarps is the number of warps per block.
	NumWarps int

	// NumCTAs is the number of blocks per cluster.
	NumCTAs int

	// DisableLoadAcquire turns off promotion of read-only atomics to
	// acquire loads.
	DisableLoadAcquire bool

	// Debug receives a trace of planning decisions when non-nil.
	Debug io.Writer
}

// DefaultConfig returns a single-block configuration with four warps.
func DefaultConfig(t Target) Config {
	return Config{Target: t, NumWarps: 4, NumCTAs: 1}
}

func (c *Config) validate() error {
	if c.Target.ComputeCapability == 0 {
		return configError(nil, fmt.Errorf("no target set"))
	}
	if c.Target.WarpSize <= 0 || !isPow2(c.Target.WarpSize) {
		return configError(nil, fmt.Errorf("warp size %d is not a power of two", c.Target.WarpSize))
	}
	if c.NumWarps <= 0 {
		return configError(nil, fmt.Errorf("warps per block must be positive, got %d", c.NumWarps))
	}
	if c.NumCTAs <= 0 {
		return configError(nil, fmt.Errorf("blocks per cluster must be positive, got %d", c.NumCTAs))
	}
	return nil
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}
