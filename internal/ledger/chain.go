package ledger

import (
	"fmt"

	"github.com/covenant-engine/covenant/internal/canon"
)

// Chain is the in-memory hash-linked sequence. Append revalidates
// linkage and hash before admitting a receipt, so a Chain can only
// ever hold a consistent prefix.
type Chain struct {
	baseIndex int64
	baseHash  string
	receipts  []Receipt
}

// NewChain returns an empty chain starting at genesis.
func NewChain() *Chain {
	return &Chain{baseHash: canon.ZeroHash}
}

// ResumeChain continues an existing ledger from its head: the next
// appended receipt must carry step index nextIndex and link to head.
func ResumeChain(head string, nextIndex int64) *Chain {
	return &Chain{baseIndex: nextIndex, baseHash: head}
}

// Append validates and adds the next receipt:
// step index must be the successor, prev hash must match the last
// receipt (the base hash for the first append), and the recorded hash
// must equal the recomputed hash of the body.
func (c *Chain) Append(r Receipt) error {
	wantIndex := c.baseIndex + int64(len(c.receipts))
	if r.StepIndex != wantIndex {
		return fmt.Errorf("receipt step index %d, chain expects %d", r.StepIndex, wantIndex)
	}

	wantPrev := c.baseHash
	if len(c.receipts) > 0 {
		wantPrev = c.receipts[len(c.receipts)-1].Hash
	}
	if r.PrevHash != wantPrev {
		return fmt.Errorf("receipt %d prev hash %s does not link to %s", r.StepIndex, r.PrevHash, wantPrev)
	}

	computed, err := r.ComputeHash()
	if err != nil {
		return err
	}
	if r.Hash != computed {
		return fmt.Errorf("receipt %d hash %s does not match recomputed %s", r.StepIndex, r.Hash, computed)
	}

	c.receipts = append(c.receipts, r)
	return nil
}

// Len returns the receipt count.
func (c *Chain) Len() int { return len(c.receipts) }

// All returns a copy of the receipts in step order.
func (c *Chain) All() []Receipt {
	out := make([]Receipt, len(c.receipts))
	copy(out, c.receipts)
	return out
}

// Last returns the most recent receipt, if any.
func (c *Chain) Last() (Receipt, bool) {
	if len(c.receipts) == 0 {
		return Receipt{}, false
	}
	return c.receipts[len(c.receipts)-1], true
}

// Head returns the hash the next receipt must link to.
func (c *Chain) Head() string {
	if last, ok := c.Last(); ok {
		return last.Hash
	}
	return c.baseHash
}
