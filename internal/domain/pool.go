package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PoolCreatedEvent is a pool creation notification observed on the factory.
type PoolCreatedEvent struct {
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	Pool        common.Address `json:"pool"`
	BlockNumber uint64         `json:"blockNumber"`
	TxHash      common.Hash    `json:"txHash"`
	ObservedAt  time.Time      `json:"observedAt"`
}

// Includes reports whether either side of the pool is asset.
func (e PoolCreatedEvent) Includes(asset common.Address) bool {
	return e.Token0 == asset || e.Token1 == asset
}

// Candidate returns the non-base side of the pool.
func (e PoolCreatedEvent) Candidate(base common.Address) (common.Address, bool) {
	switch base {
	case e.Token0:
		return e.Token1, true
	case e.Token1:
		return e.Token0, true
	default:
		return common.Address{}, false
	}
}

// DetectedPool is a pool creation event together with the evaluation outcome.
type DetectedPool struct {
	Event     PoolCreatedEvent `json:"event"`
	Viable    bool             `json:"viable"`
	Candidate common.Address   `json:"candidate"`
	Reason    string           `json:"reason,omitempty"`
}
