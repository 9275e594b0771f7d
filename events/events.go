// Package events defines the journal records emitted by the engine and the
// sink contract they are written through.
package events

import (
	"encoding/hex"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names the record type of an Event.
type Kind string

const (
	KindPoolInitialized Kind = "pool_initialized"
	KindSwap            Kind = "swap"
	KindPositionChange  Kind = "position_change"
	KindFeesCollected   Kind = "fees_collected"
	KindDonation        Kind = "donation"
	KindWithdrawal      Kind = "withdrawal"
	KindPayment         Kind = "payment"
)

// Event is one journal record. Amounts are decimal strings so records survive
// any JSON round trip without precision loss.
type Event struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Context   uint64         `json:"context"`
	PoolID    string         `json:"poolId,omitempty"`
	Actor     common.Address `json:"actor"`
	TickLower *int32         `json:"tickLower,omitempty"`
	TickUpper *int32         `json:"tickUpper,omitempty"`
	Amount0   string         `json:"amount0,omitempty"`
	Amount1   string         `json:"amount1,omitempty"`
	Currency  string         `json:"currency,omitempty"`
	Amount    string         `json:"amount,omitempty"`
}

// PoolIDString renders a 32-byte pool id for the journal.
func PoolIDString(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

// Amount renders a big.Int for the journal; nil renders as empty.
func Amount(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// Sink receives engine events in order. Implementations must be safe for use
// from a single engine goroutine; batching is the sink's concern.
type Sink interface {
	Put(events []Event) error
}

// Multi fans events out to several sinks, stopping at the first failure.
type Multi []Sink

func (m Multi) Put(events []Event) error {
	for _, s := range m {
		if err := s.Put(events); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops all events.
type Discard struct{}

func (Discard) Put([]Event) error { return nil }
