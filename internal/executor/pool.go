package executor

import (
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"intent-relayer/internal/errs"
)

// Binding pairs a signing account with the contract it submits batches to.
type Binding struct {
	Signer   Signer
	Contract common.Address
}

// Pool hands out bindings in strict round-robin order. Selection carries no
// health or outcome feedback.
type Pool struct {
	bindings []Binding
	cursor   atomic.Uint64
}

// NewPool fails with UNAVAILABLE when no bindings are configured; callers
// treat that as fatal at startup.
func NewPool(bindings ...Binding) (*Pool, error) {
	if len(bindings) == 0 {
		return nil, errs.New(errs.CodeUnavailable, "no executors configured")
	}
	cp := make([]Binding, len(bindings))
	copy(cp, bindings)
	return &Pool{bindings: cp}, nil
}

// Bind attaches the same contract to every signer.
func Bind(contract common.Address, signers ...Signer) []Binding {
	out := make([]Binding, len(signers))
	for i, s := range signers {
		out[i] = Binding{Signer: s, Contract: contract}
	}
	return out
}

// Next returns the binding at the cursor and advances it. Safe for
// concurrent use: two callers never observe the same cursor value.
func (p *Pool) Next() Binding {
	n := p.cursor.Add(1) - 1
	return p.bindings[n%uint64(len(p.bindings))]
}

// Size reports the number of bindings.
func (p *Pool) Size() int { return len(p.bindings) }

// Bindings returns a copy of the configured bindings in rotation order.
func (p *Pool) Bindings() []Binding {
	out := make([]Binding, len(p.bindings))
	copy(out, p.bindings)
	return out
}
