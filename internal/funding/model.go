// Package funding projects funding fees per unit notional for a venue and
// side over a holding period. Two profiles are supported: the skew-scaled
// funding-velocity model of synthetic-asset protocols and the per-second
// funding-factor model of order-book DEXes and CEXes, the latter with a
// utilization-based borrowing add-on.
//
// Sign convention throughout: a positive fee rate means the side pays,
// negative means it receives.
package funding

import (
	"fmt"
	"time"

	"carrybot/internal/domain"
)

// Project computes the funding fee per unit notional for holding the given
// side over period, assuming a hypothetical trade of tradeSizeUSD is added to
// the current skew (long adds, short subtracts).
//
// Model errors (zero skew scale, zero pool amount, non-positive period) are
// returned as domain.ErrDivisionByZero / domain.ErrInvalidModelInput; callers
// treat them as "no projection available" and exclude the venue for that
// symbol this cycle rather than aborting the whole scan.
func Project(params domain.MarketParams, side domain.Side, oi domain.OpenInterest, tradeSizeUSD float64, period time.Duration) (domain.FundingProjection, error) {
	if period <= 0 {
		return domain.FundingProjection{}, fmt.Errorf("funding: period %s: %w", period, domain.ErrInvalidModelInput)
	}

	var rate float64
	var err error
	switch params.Profile {
	case domain.ProfileVelocity:
		rate, err = velocityRate(params, side, oi, tradeSizeUSD, period)
	case domain.ProfileFactor:
		rate, err = factorRate(params, side, oi, period)
	default:
		err = fmt.Errorf("funding: profile %q: %w", params.Profile, domain.ErrInvalidModelInput)
	}
	if err != nil {
		return domain.FundingProjection{}, err
	}

	return domain.FundingProjection{
		Venue:   params.Venue,
		Symbol:  params.Symbol,
		Side:    side,
		Period:  period,
		FeeRate: rate,
	}, nil
}

// velocityRate implements the skew-scaled velocity model. The instantaneous
// funding constant is c = max_funding_velocity / skew_scale (rate per day per
// unit of skew); the projected daily rate after our hypothetical trade is
// c * (skew + signed_trade_size). A long pays when the resulting skew is
// positive (longs dominate) and receives when negative; the short side
// mirrors.
func velocityRate(params domain.MarketParams, side domain.Side, oi domain.OpenInterest, tradeSizeUSD float64, period time.Duration) (float64, error) {
	if params.SkewScale == 0 {
		return 0, fmt.Errorf("funding: %s/%s skew_scale is zero: %w", params.Venue, params.Symbol, domain.ErrDivisionByZero)
	}

	c := params.MaxFundingVelocity / params.SkewScale
	newSkew := oi.Skew() + adjustForSide(tradeSizeUSD, side)
	dailyRate := c * newSkew

	fee := dailyRate * period.Hours() / 24
	if side == domain.SideShort {
		fee = -fee
	}
	return fee, nil
}

// factorRate implements the per-second funding-factor model. The dominant
// side pays funding at funding_factor_per_second and the other side receives
// it; both directions additionally pay the borrowing component, which is zero
// at or below optimal utilization and grows linearly above it.
func factorRate(params domain.MarketParams, side domain.Side, oi domain.OpenInterest, period time.Duration) (float64, error) {
	seconds := period.Seconds()
	fundingFee := params.FundingFactorPerSecond * seconds

	skew := oi.Skew()
	switch {
	case skew == 0:
		fundingFee = 0
	case skew > 0 && side == domain.SideShort, skew < 0 && side == domain.SideLong:
		fundingFee = -fundingFee
	}

	borrowFee, err := borrowRate(params, oi, seconds)
	if err != nil {
		return 0, err
	}
	return fundingFee + borrowFee, nil
}

// borrowRate computes the utilization-based borrowing component. Utilization
// is total open interest over the pool amount.
func borrowRate(params domain.MarketParams, oi domain.OpenInterest, seconds float64) (float64, error) {
	if params.BorrowFactorPerSecond == 0 {
		return 0, nil
	}
	if params.PoolAmountUSD == 0 {
		return 0, fmt.Errorf("funding: %s/%s pool_amount is zero: %w", params.Venue, params.Symbol, domain.ErrDivisionByZero)
	}

	utilization := oi.TotalUSD() / params.PoolAmountUSD
	optimal := params.OptimalUtilization
	if utilization <= optimal {
		return 0, nil
	}
	if optimal >= 1 {
		return 0, fmt.Errorf("funding: %s/%s optimal_utilization %.2f: %w", params.Venue, params.Symbol, optimal, domain.ErrInvalidModelInput)
	}

	excess := (utilization - optimal) / (1 - optimal)
	return params.BorrowFactorPerSecond * excess * seconds, nil
}

// adjustForSide signs a USD trade size for its skew contribution: longs add
// to skew, shorts subtract.
func adjustForSide(sizeUSD float64, side domain.Side) float64 {
	if side == domain.SideShort {
		return -sizeUSD
	}
	return sizeUSD
}

// MakerTakerFee selects the fee tier for an order given the decision-time
// skew: an order that reduces skew (a long into negative skew, a short into
// positive skew) pays the maker tier, otherwise the taker tier.
func MakerTakerFee(params domain.MarketParams, skew float64, side domain.Side) float64 {
	if side == domain.SideLong {
		if skew < 0 {
			return params.MakerFee
		}
		return params.TakerFee
	}
	if skew > 0 {
		return params.MakerFee
	}
	return params.TakerFee
}
