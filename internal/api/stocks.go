package api

import (
	"context"
	"strings"

	"stockdesk/internal/client"
)

type Stocks struct {
	c *client.Client
}

// Quote is the latest price snapshot of one symbol.
type Quote struct {
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	Market        string  `json:"market,omitempty"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Open          float64 `json:"open,omitempty"`
	High          float64 `json:"high,omitempty"`
	Low           float64 `json:"low,omitempty"`
	PrevClose     float64 `json:"prev_close,omitempty"`
	Volume        float64 `json:"volume,omitempty"`
	Amount        float64 `json:"amount,omitempty"`
	Timestamp     string  `json:"timestamp,omitempty"`
}

func (s *Stocks) Quote(ctx context.Context, code string) (*Quote, error) {
	code = strings.TrimSpace(code)
	return decode[Quote](s.c.Get(ctx, "/api/stocks/"+escape(code)+"/quote", nil))
}
