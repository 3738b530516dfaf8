package market

import (
	"fmt"
	"time"

	"optionbot/internal/ports"
)

// ClockConfig carries the session boundaries as "HH:MM" strings in the
// exchange timezone.
type ClockConfig struct {
	OpenTime      string // e.g. "09:15"
	CloseTime     string // e.g. "15:30"
	SquareoffTime string // e.g. "15:15"
	Timezone      string // IANA name, e.g. "Asia/Kolkata"
}

// Clock implements ports.Clock against wall-clock session times. now is
// swappable for tests.
type Clock struct {
	loc       *time.Location
	open      dayMinute
	close     dayMinute
	squareoff dayMinute
	now       func() time.Time
}

type dayMinute struct {
	hour, minute int
}

func parseDayMinute(s string) (dayMinute, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return dayMinute{}, fmt.Errorf("%w: invalid time %q, want HH:MM", ports.ErrInvalidConfiguration, s)
	}
	return dayMinute{t.Hour(), t.Minute()}, nil
}

func (d dayMinute) minutes() int { return d.hour*60 + d.minute }

// NewClock validates the configured session times. Square-off must fall
// inside the session.
func NewClock(cfg ClockConfig) (*Clock, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ports.ErrInvalidConfiguration, cfg.Timezone)
	}
	open, err := parseDayMinute(cfg.OpenTime)
	if err != nil {
		return nil, err
	}
	closeAt, err := parseDayMinute(cfg.CloseTime)
	if err != nil {
		return nil, err
	}
	squareoff, err := parseDayMinute(cfg.SquareoffTime)
	if err != nil {
		return nil, err
	}
	if open.minutes() >= closeAt.minutes() {
		return nil, fmt.Errorf("%w: market open %s must precede close %s", ports.ErrInvalidConfiguration, cfg.OpenTime, cfg.CloseTime)
	}
	if squareoff.minutes() <= open.minutes() || squareoff.minutes() > closeAt.minutes() {
		return nil, fmt.Errorf("%w: square-off %s must fall within the session", ports.ErrInvalidConfiguration, cfg.SquareoffTime)
	}
	return &Clock{
		loc:       loc,
		open:      open,
		close:     closeAt,
		squareoff: squareoff,
		now:       time.Now,
	}, nil
}

// Now returns the current time in the exchange timezone.
func (c *Clock) Now() time.Time {
	return c.now().In(c.loc)
}

// IsMarketOpen reports whether the session is open: a weekday, between open
// and close inclusive of the open minute.
func (c *Clock) IsMarketOpen() bool {
	now := c.Now()
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	m := now.Hour()*60 + now.Minute()
	return m >= c.open.minutes() && m < c.close.minutes()
}

// IsSquareoffTime reports whether the forced end-of-day exit time has been
// reached on a trading day.
func (c *Clock) IsSquareoffTime() bool {
	now := c.Now()
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	return now.Hour()*60+now.Minute() >= c.squareoff.minutes()
}
