package rates

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/tipcall/tipcall/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Provide(NewConverter)

var ErrInvalidRate = errors.New("invalid_token_rate")

// Converter freezes the token→USD exchange rate onto ledger entries at write
// time. Rate changes only affect entries created after the change; history is
// never restated.
type Converter struct {
	centsPerToken decimal.Decimal
}

func NewConverter(cfg config.Config) (*Converter, error) {
	rate, err := decimal.NewFromString(cfg.TokenRateUSDCents)
	if err != nil {
		return nil, ErrInvalidRate
	}
	if rate.IsNegative() {
		return nil, ErrInvalidRate
	}
	return &Converter{centsPerToken: rate}, nil
}

// USDCents converts a signed token amount to USD cents at the current rate,
// rounding away from zero so fractional cents never vanish.
func (c *Converter) USDCents(tokens int64) int64 {
	cents := decimal.NewFromInt(tokens).Mul(c.centsPerToken)
	if cents.IsNegative() {
		return cents.Neg().Ceil().Neg().IntPart()
	}
	return cents.Ceil().IntPart()
}
