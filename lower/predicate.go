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
	"slices"
	"strconv"
	"strings"

	"github.com/ajroetker/go-simtlower/lower/ir"
)

// Predicate is a conjunction of i1 values. Conjuncts are kept sorted by
// value id without duplicates, so And is commutative and associative. The
// empty Predicate is "always".
type Predicate struct {
	terms []*ir.Value
}

// And returns p ∧ v. A nil or constant-true v leaves p unchanged.
func (p Predicate) And(v *ir.Value) Predicate {
	if v == nil || v.IsTrue() {
		return p
	}
	i, found := slices.BinarySearchFunc(p.terms, v.ID, func(t *ir.Value, id int) int {
		return t.ID - id
	})
	if found {
		return p
	}
	terms := slices.Insert(slices.Clone(p.terms), i, v)
	return Predicate{terms: terms}
}

// AndPred returns p ∧ q.
func (p Predicate) AndPred(q Predicate) Predicate {
	for _, t := range q.terms {
		p = p.And(t)
	}
	return p
}

// IsEmpty reports whether p has no conjuncts.
func (p Predicate) IsEmpty() bool { return len(p.terms) == 0 }

// Terms returns the conjuncts in canonical order.
func (p Predicate) Terms() []*ir.Value { return slices.Clone(p.terms) }

// Equal reports whether p and q have the same conjuncts.
func (p Predicate) Equal(q Predicate) bool {
	return slices.Equal(p.terms, q.terms)
}

func (p Predicate) key() string {
	ids := make([]string, len(p.terms))
	for i, t := range p.terms {
		ids[i] = strconv.Itoa(t.ID)
	}
	return strings.Join(ids, ",")
}

// guards materializes predicates and reuses the value of any conjunction
// already built in the same expansion.
type guards struct {
	b     *ir.Builder
	cache map[string]*ir.Value
}

func newGuards(b *ir.Builder) *guards {
	return &guards{b: b, cache: make(map[string]*ir.Value)}
}

// materialize returns the i1 value of p, or nil when p is empty. The
// conjunction is folded from the highest id down so that a shared suffix of
// late-created terms is built once.
func (g *guards) materialize(p Predicate) *ir.Value {
	switch len(p.terms) {
	case 0:
		return nil
	case 1:
		return p.terms[0]
	}
	k := p.key()
	if v, ok := g.cache[k]; ok {
		return v
	}
	rest := g.materialize(Predicate{terms: p.terms[1:]})
	v := g.b.And(p.terms[0], rest)
	g.cache[k] = v
	return v
}

// orTrue returns the materialized predicate or the constant true.
func (g *guards) orTrue(p Predicate) *ir.Value {
	if v := g.materialize(p); v != nil {
		return v
	}
	return g.b.Bool(true)
}
