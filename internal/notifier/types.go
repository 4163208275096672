package notifier

import "time"

type Config struct {
	// RatePerSec is the sustained send rate; the burst equals the rate.
	RatePerSec int
	// Timeout bounds a single send when the caller's context has no
	// earlier deadline.
	Timeout     time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

type HistoryItem struct {
	At     time.Time
	Target string
	Text   string
	Error  string
}

// DeliveryEvent is the payload of delivery.* bus events.
type DeliveryEvent struct {
	Target string    `json:"target"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
