package auction

import (
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "github.com/auctiondeck/auction-monitor-backend/internal/domain/errors"
)

// MaxMoney is the sanity cap on any monetary amount the engine will
// accept, inbound or outbound.
const MaxMoney = 1_000_000

// ParseMoney normalizes an upstream monetary value ("125", "125.00",
// occasionally "125.5") into whole currency units. Fractional parts are
// truncated; the site trades in whole units.
func ParseMoney(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, apperrors.NewValidationError(fmt.Sprintf("unparseable amount %q", raw)).WithCause(err)
	}
	if d.IsNegative() {
		return 0, apperrors.NewValidationError(fmt.Sprintf("negative amount %q", raw))
	}

	whole := d.IntPart()
	if whole > MaxMoney {
		return 0, apperrors.NewValidationError(fmt.Sprintf("amount %s exceeds cap %d", raw, MaxMoney))
	}
	return int(whole), nil
}

// ValidateBidAmount guards outbound bids before any upstream call.
func ValidateBidAmount(amount int) error {
	if amount <= 0 {
		return apperrors.NewValidationError(fmt.Sprintf("bid amount %d must be positive", amount))
	}
	if amount > MaxMoney {
		return apperrors.NewValidationError(fmt.Sprintf("bid amount %d exceeds cap %d", amount, MaxMoney))
	}
	return nil
}
