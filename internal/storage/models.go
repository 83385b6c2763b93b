package storage

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Settlement kinds.
const (
	KindBatch = "batch"
	KindFill  = "fill"
)

// Settlement statuses.
const (
	StatusConfirmed        = "confirmed"
	StatusReverted         = "reverted"
	StatusFailed           = "failed"
	StatusSimulationFailed = "simulation_failed"
)

// Settlement 记录一次批量结算或订单成交的最终结果。
type Settlement struct {
	ID          int64
	RequestID   string
	Kind        string
	TxHash      *string
	Executor    string
	Contract    string
	Users       []string
	GasLimit    int64
	GasUsed     *int64
	BlockNumber *int64
	MaxFeeGwei  decimal.Decimal
	Status      string
	Error       *string
	CreatedAt   time.Time
}

// Confirmed reports whether the settlement reached a successful receipt.
func (s Settlement) Confirmed() bool { return s.Status == StatusConfirmed }

// SetReceipt copies receipt gas usage and inclusion block onto the record.
func (s *Settlement) SetReceipt(gasUsed uint64, block *big.Int) {
	used := int64(gasUsed)
	s.GasUsed = &used
	if block != nil && block.IsInt64() {
		n := block.Int64()
		s.BlockNumber = &n
	}
}
