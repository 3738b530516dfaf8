package market

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"optionbot/internal/domain"
	"optionbot/internal/ports"
)

// ChainParams describes a synthetic weekly option chain built around the
// current spot level.
type ChainParams struct {
	Underlying  string  // e.g. "NIFTY"
	Exchange    string  // e.g. "NFO"
	Spot        float64 // chain is centred on the nearest strike to this
	StrikeStep  float64 // strike spacing
	StrikeCount int     // strikes generated on each side of the centre
	LotSize     int
	Expiry      time.Time
	TokenBase   int // exchange tokens are assigned sequentially from here
}

// BuildChain generates CE and PE contracts for StrikeCount strikes on either
// side of the at-the-money strike, symbols in the exchange's
// NAME+YY+MON+STRIKE+TYPE format.
func BuildChain(p ChainParams) ([]domain.Contract, error) {
	if p.Underlying == "" || p.Spot <= 0 || p.StrikeStep <= 0 || p.StrikeCount <= 0 || p.LotSize <= 0 {
		return nil, fmt.Errorf("%w: incomplete option chain parameters", ports.ErrInvalidConfiguration)
	}
	if p.TokenBase <= 0 {
		p.TokenBase = 40000
	}

	atm := math.Round(p.Spot/p.StrikeStep) * p.StrikeStep
	expiryCode := strings.ToUpper(p.Expiry.Format("06Jan"))

	token := p.TokenBase
	chain := make([]domain.Contract, 0, (2*p.StrikeCount+1)*2)
	for i := -p.StrikeCount; i <= p.StrikeCount; i++ {
		strike := atm + float64(i)*p.StrikeStep
		if strike <= 0 {
			continue
		}
		for _, opt := range []domain.OptionType{domain.Call, domain.Put} {
			chain = append(chain, domain.Contract{
				Symbol:      fmt.Sprintf("%s%s%d%s", p.Underlying, expiryCode, int(strike), opt),
				Token:       strconv.Itoa(token),
				Exchange:    p.Exchange,
				LotSize:     p.LotSize,
				StrikePrice: strike,
				OptionType:  opt,
				Expiry:      p.Expiry,
			})
			token++
		}
	}
	return chain, nil
}
