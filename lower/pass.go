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

	"github.com/ajroetker/go-simtlower/lower/ir"
)

// Pass lowers the memory operations of one kernel in program order.
type Pass struct {
	l *Lowerer
}

// NewPass returns a Pass for cfg.
func NewPass(cfg Config) (*Pass, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &Pass{l: l}, nil
}

// Run lowers ops in order. On failure no expansion is returned and the error
// names the index of the failing operation.
func (p *Pass) Run(ctx *ir.Context, ops []Op) ([]*Expansion, error) {
	exps := make([]*Expansion, 0, len(ops))
	scratchLive := false
	for i, op := range ops {
		exp, err := p.l.lower(ctx, op, scratchLive)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		scratchLive = scratchLive || exp.UsesScratch
		exps = append(exps, exp)
	}
	return exps, nil
}
