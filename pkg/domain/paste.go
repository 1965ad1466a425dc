package domain

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type State int

const (
	StateAlive State = iota
	StateExpired
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateExpired:
		return "expired"
	case StateExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Paste is a stored text blob. Content, CreatedAt, TTLSeconds and MaxViews are
// written once; RemainingViews is only ever changed by the store's atomic
// decrement.
type Paste struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	TTLSeconds     *int      `json:"ttl_seconds,omitempty"`
	MaxViews       *int      `json:"max_views,omitempty"`
	RemainingViews *int      `json:"remaining_views,omitempty"`
}

type CreateParams struct {
	Content    string
	TTLSeconds *int
	MaxViews   *int
}

// Ceilings that hold whatever the configured limits are: every backend stores
// both values in a 32-bit column, and ttl*time.Second must fit a Duration.
const (
	TTLCeiling      = math.MaxInt32
	MaxViewsCeiling = math.MaxInt32
)

type Limits struct {
	MaxSize       int64
	MaxTTLSeconds int
	MaxViews      int
}

func (p CreateParams) Validate(l Limits) error {
	if strings.TrimSpace(p.Content) == "" {
		return errors.Wrap(ErrInvalidInput, "content must not be empty")
	}
	if l.MaxSize > 0 && int64(len(p.Content)) > l.MaxSize {
		return ErrPasteTooLarge
	}
	if p.TTLSeconds != nil {
		if *p.TTLSeconds <= 0 {
			return errors.Wrap(ErrInvalidInput, "ttl_seconds must be a positive integer")
		}
		if *p.TTLSeconds > TTLCeiling {
			return errors.Wrapf(ErrInvalidInput, "ttl_seconds must not exceed %d", TTLCeiling)
		}
		if l.MaxTTLSeconds > 0 && *p.TTLSeconds > l.MaxTTLSeconds {
			return errors.Wrapf(ErrInvalidInput, "ttl_seconds must not exceed %d", l.MaxTTLSeconds)
		}
	}
	if p.MaxViews != nil {
		if *p.MaxViews <= 0 {
			return errors.Wrap(ErrInvalidInput, "max_views must be a positive integer")
		}
		if *p.MaxViews > MaxViewsCeiling {
			return errors.Wrapf(ErrInvalidInput, "max_views must not exceed %d", MaxViewsCeiling)
		}
		if l.MaxViews > 0 && *p.MaxViews > l.MaxViews {
			return errors.Wrapf(ErrInvalidInput, "max_views must not exceed %d", l.MaxViews)
		}
	}
	return nil
}

func (p *Paste) ExpiresAt() *time.Time {
	if p.TTLSeconds == nil {
		return nil
	}
	t := p.CreatedAt.Add(time.Duration(*p.TTLSeconds) * time.Second)
	return &t
}

func (p *Paste) TTLExpired(now time.Time) bool {
	exp := p.ExpiresAt()
	return exp != nil && !now.Before(*exp)
}

func (p *Paste) Exhausted() bool {
	return p.MaxViews != nil && (p.RemainingViews == nil || *p.RemainingViews <= 0)
}

// State reports the lifecycle state at now. A TTL deadline wins over view
// exhaustion when both apply.
func (p *Paste) State(now time.Time) State {
	if p.TTLExpired(now) {
		return StateExpired
	}
	if p.Exhausted() {
		return StateExhausted
	}
	return StateAlive
}

func (p *Paste) Alive(now time.Time) bool {
	return p.State(now) == StateAlive
}

// Snapshot copies the write-once part of p. The counter is left out so a
// cached copy can never be mistaken for the authoritative view count.
func (p *Paste) Snapshot() *Paste {
	return &Paste{
		ID:         p.ID,
		Content:    p.Content,
		CreatedAt:  p.CreatedAt,
		TTLSeconds: cloneInt(p.TTLSeconds),
		MaxViews:   cloneInt(p.MaxViews),
	}
}

func (p *Paste) WithRemaining(n int) *Paste {
	cp := p.Snapshot()
	cp.RemainingViews = &n
	return cp
}

func IntPtr(v int) *int { return &v }

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
