package auction

// Settings are the engine-wide bidding defaults and timing knobs.
type Settings struct {
	DefaultStrategy  Strategy `json:"defaultStrategy" validate:"required,oneof=manual increment sniping"`
	DefaultMaxBid    int      `json:"defaultMaxBid" validate:"omitempty,min=1,max=10000"`
	DefaultIncrement int      `json:"defaultIncrement" validate:"min=1,max=1000"`

	// SnipeTiming is the seconds-before-close window in which the sniping
	// strategy is allowed to fire.
	SnipeTiming   int `json:"snipeTiming" validate:"min=1,max=30"`
	BidBuffer     int `json:"bidBuffer" validate:"min=0,max=100"`
	RetryAttempts int `json:"retryAttempts" validate:"min=1,max=10"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		DefaultStrategy:  StrategyIncrement,
		DefaultIncrement: 5,
		SnipeTiming:      30,
		BidBuffer:        0,
		RetryAttempts:    3,
	}
}

func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return validationError(err)
	}
	return nil
}

// DefaultConfig builds a bidding config from the global defaults, used when
// a caller adds an auction without one.
func (s Settings) DefaultConfig() Config {
	return Config{
		Strategy:  s.DefaultStrategy,
		MaxBid:    s.DefaultMaxBid,
		Increment: s.DefaultIncrement,
		Enabled:   false,
	}
}
