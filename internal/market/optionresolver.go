package market

import (
	"fmt"
	"math"

	"optionbot/internal/domain"
	"optionbot/internal/ports"
)

// OptionResolver implements ports.ContractResolver over a pre-loaded option
// chain: BUY_CE picks the call, BUY_PE the put, at the strike nearest the
// underlying spot (at the money).
type OptionResolver struct {
	chain []domain.Contract
}

// NewOptionResolver keeps only the usable option legs of the supplied chain.
func NewOptionResolver(chain []domain.Contract) (*OptionResolver, error) {
	usable := make([]domain.Contract, 0, len(chain))
	for _, c := range chain {
		if c.IsZero() || c.StrikePrice <= 0 || c.LotSize <= 0 {
			continue
		}
		if c.OptionType != domain.Call && c.OptionType != domain.Put {
			continue
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: option chain holds no usable contracts", ports.ErrInvalidConfiguration)
	}
	return &OptionResolver{chain: usable}, nil
}

// Resolve picks the ATM contract for the signal. BUY_CE resolves to the
// nearest call, BUY_PE to the nearest put; ties go to the lower strike.
func (r *OptionResolver) Resolve(signal domain.Signal, spotPrice float64) (domain.Contract, error) {
	if spotPrice <= 0 {
		return domain.Contract{}, fmt.Errorf("%w: spot price %.2f unusable", ports.ErrNoContract, spotPrice)
	}

	var want domain.OptionType
	switch signal {
	case domain.SignalBuyCE:
		want = domain.Call
	case domain.SignalBuyPE:
		want = domain.Put
	default:
		return domain.Contract{}, fmt.Errorf("%w: signal %q has no contract mapping", ports.ErrNoContract, signal)
	}

	var best domain.Contract
	bestDist := math.Inf(1)
	for _, c := range r.chain {
		if c.OptionType != want {
			continue
		}
		dist := math.Abs(c.StrikePrice - spotPrice)
		if dist < bestDist || (dist == bestDist && c.StrikePrice < best.StrikePrice) {
			best = c
			bestDist = dist
		}
	}
	if best.IsZero() {
		return domain.Contract{}, fmt.Errorf("%w: no %s leg in chain", ports.ErrNoContract, want)
	}
	return best, nil
}
