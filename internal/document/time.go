package document

import (
	"fmt"
	"time"
)

// Time reads the current value as a timestamp. Strings are parsed as
// RFC 3339 with optional fractional seconds; numbers are epoch milliseconds.
// The result is in UTC.
func (p *Parser) Time() (time.Time, error) {
	switch p.token {
	case TokenString:
		s, _ := p.Text()
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t.UTC(), nil
	case TokenNumber:
		ms, err := p.Int()
		if err != nil {
			return time.Time{}, fmt.Errorf("parse epoch millis: %w", err)
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: expected a date, got %s", ErrWrongToken, p.token)
	}
}
