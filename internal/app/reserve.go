package app

import (
	"fmt"

	"github.com/transfa/crowdfunding-service/internal/domain"
)

const (
	// accountStorageOverhead is the fixed per-record bookkeeping charged on top of the payload.
	accountStorageOverhead = 128
	// reserveExemptionPeriods is how many rent periods a record must prepay to stay alive.
	reserveExemptionPeriods = 2
)

// ReserveFunc returns the minimum balance a record of the given serialized size
// must retain. It is supplied by the storage collaborator.
type ReserveFunc func(recordSize int) int64

// RentExemptReserve builds the default ReserveFunc from a per-byte rate.
func RentExemptReserve(ratePerByte int64) ReserveFunc {
	if ratePerByte < 0 {
		ratePerByte = 0
	}
	return func(recordSize int) int64 {
		if recordSize < 0 {
			recordSize = 0
		}
		return (accountStorageOverhead + int64(recordSize)) * ratePerByte * reserveExemptionPeriods
	}
}

// availableBalance is the part of a pooled balance above the reserve floor.
func availableBalance(pooled, reserve int64) int64 {
	return pooled - reserve
}

// guardOutgoing rejects any transfer that would take the pooled balance below the reserve floor.
func guardOutgoing(pooled, reserve, amount int64) error {
	if available := availableBalance(pooled, reserve); available < amount {
		return fmt.Errorf("%w: requested %d, available %d", domain.ErrInsufficientFunds, amount, available)
	}
	return nil
}
