package auction

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/auctiondeck/auction-monitor-backend/internal/domain/errors"
)

// Strategy selects how the monitor bids on an auction.
type Strategy string

const (
	StrategyManual    Strategy = "manual"
	StrategyIncrement Strategy = "increment"
	StrategySniping   Strategy = "sniping"
)

// Config is the per-auction bidding configuration.
type Config struct {
	Strategy   Strategy `json:"strategy" validate:"required,oneof=manual increment sniping"`
	MaxBid     int      `json:"maxBid" validate:"omitempty,min=1,max=10000"`
	Increment  int      `json:"increment" validate:"omitempty,min=1,max=1000"`
	Enabled    bool     `json:"enabled"`
	DailyLimit int      `json:"dailyLimit,omitempty" validate:"omitempty,min=1"`
	TotalLimit int      `json:"totalLimit,omitempty" validate:"omitempty,min=1"`
}

// ConfigPatch is a partial configuration update; nil fields are untouched.
type ConfigPatch struct {
	Strategy   *Strategy `json:"strategy,omitempty"`
	MaxBid     *int      `json:"maxBid,omitempty"`
	Increment  *int      `json:"increment,omitempty"`
	Enabled    *bool     `json:"enabled,omitempty"`
	DailyLimit *int      `json:"dailyLimit,omitempty"`
	TotalLimit *int      `json:"totalLimit,omitempty"`
}

var validate = validator.New()

// Validate enforces the configuration bounds. maxBid is mandatory for the
// automatic strategies; manual auctions may omit it.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return validationError(err)
	}
	if c.Strategy != StrategyManual && c.MaxBid == 0 {
		return apperrors.NewValidationError(
			fmt.Sprintf("maxBid is required for strategy %q", c.Strategy))
	}
	return nil
}

// Merge applies a patch and returns the resulting configuration. The result
// still needs Validate before it replaces the record's config.
func (c Config) Merge(p ConfigPatch) Config {
	out := c
	if p.Strategy != nil {
		out.Strategy = *p.Strategy
	}
	if p.MaxBid != nil {
		out.MaxBid = *p.MaxBid
	}
	if p.Increment != nil {
		out.Increment = *p.Increment
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.DailyLimit != nil {
		out.DailyLimit = *p.DailyLimit
	}
	if p.TotalLimit != nil {
		out.TotalLimit = *p.TotalLimit
	}
	return out
}

func validationError(err error) error {
	var fields []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
		}
		return apperrors.NewValidationError(
			"invalid configuration: " + strings.Join(fields, ", "))
	}
	return apperrors.NewValidationError(err.Error()).WithCause(err)
}
