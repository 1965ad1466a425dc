package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestPasteState(t *testing.T) {
	created := time.Unix(1000, 0)
	tests := []struct {
		name  string
		paste Paste
		now   time.Time
		want  State
	}{
		{"no limits", Paste{CreatedAt: created}, created.Add(1000 * time.Hour), StateAlive},
		{"before deadline", Paste{CreatedAt: created, TTLSeconds: IntPtr(60)}, time.Unix(1050, 0), StateAlive},
		{"one ms before deadline", Paste{CreatedAt: created, TTLSeconds: IntPtr(60)}, time.UnixMilli(1059999), StateAlive},
		{"at deadline", Paste{CreatedAt: created, TTLSeconds: IntPtr(60)}, time.Unix(1060, 0), StateExpired},
		{"after deadline", Paste{CreatedAt: created, TTLSeconds: IntPtr(60)}, time.Unix(1061, 0), StateExpired},
		{"views left", Paste{CreatedAt: created, MaxViews: IntPtr(3), RemainingViews: IntPtr(1)}, created, StateAlive},
		{"views exhausted", Paste{CreatedAt: created, MaxViews: IntPtr(3), RemainingViews: IntPtr(0)}, created, StateExhausted},
		{"ttl wins over exhaustion", Paste{CreatedAt: created, TTLSeconds: IntPtr(1), MaxViews: IntPtr(1), RemainingViews: IntPtr(0)}, time.Unix(1002, 0), StateExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.paste.State(tt.now); got != tt.want {
				t.Errorf("State() = %s, want %s", got, tt.want)
			}
			if got := tt.paste.Alive(tt.now); got != (tt.want == StateAlive) {
				t.Errorf("Alive() = %v for state %s", got, tt.want)
			}
		})
	}
}

func TestPasteExpiresAt(t *testing.T) {
	p := Paste{CreatedAt: time.Unix(1000, 0)}
	if p.ExpiresAt() != nil {
		t.Fatal("paste without ttl should have no deadline")
	}
	p.TTLSeconds = IntPtr(60)
	if got := p.ExpiresAt(); got == nil || !got.Equal(time.Unix(1060, 0)) {
		t.Fatalf("ExpiresAt() = %v, want 1060", got)
	}
}

func TestSnapshotDropsCounter(t *testing.T) {
	p := &Paste{ID: "abc", Content: "x", MaxViews: IntPtr(2), RemainingViews: IntPtr(2)}
	s := p.Snapshot()
	if s.RemainingViews != nil {
		t.Fatal("snapshot must not carry remaining views")
	}
	*s.MaxViews = 9
	if *p.MaxViews != 2 {
		t.Fatal("snapshot shares MaxViews with the original")
	}
	w := p.WithRemaining(1)
	if w.RemainingViews == nil || *w.RemainingViews != 1 {
		t.Fatalf("WithRemaining(1) = %v", w.RemainingViews)
	}
	if *p.RemainingViews != 2 {
		t.Fatal("WithRemaining mutated the original")
	}
}

func TestCreateParamsValidate(t *testing.T) {
	limits := Limits{MaxSize: 16, MaxTTLSeconds: 3600, MaxViews: 100}
	tests := []struct {
		name    string
		params  CreateParams
		wantErr *Err
	}{
		{"ok", CreateParams{Content: "hello"}, nil},
		{"ok with limits", CreateParams{Content: "hello", TTLSeconds: IntPtr(60), MaxViews: IntPtr(5)}, nil},
		{"empty", CreateParams{Content: ""}, ErrInvalidInput},
		{"whitespace", CreateParams{Content: " \n\t"}, ErrInvalidInput},
		{"too large", CreateParams{Content: strings.Repeat("a", 17)}, ErrPasteTooLarge},
		{"zero ttl", CreateParams{Content: "a", TTLSeconds: IntPtr(0)}, ErrInvalidInput},
		{"negative ttl", CreateParams{Content: "a", TTLSeconds: IntPtr(-5)}, ErrInvalidInput},
		{"ttl above cap", CreateParams{Content: "a", TTLSeconds: IntPtr(3601)}, ErrInvalidInput},
		{"zero views", CreateParams{Content: "a", MaxViews: IntPtr(0)}, ErrInvalidInput},
		{"views above cap", CreateParams{Content: "a", MaxViews: IntPtr(101)}, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate(limits)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if Status(err) != 400 {
				t.Errorf("status = %d, want 400", Status(err))
			}
		})
	}
}

func TestValidateCeilings(t *testing.T) {
	tests := []struct {
		name    string
		params  CreateParams
		wantErr bool
	}{
		{"ttl at ceiling", CreateParams{Content: "a", TTLSeconds: IntPtr(TTLCeiling)}, false},
		{"ttl past ceiling", CreateParams{Content: "a", TTLSeconds: IntPtr(TTLCeiling + 1)}, true},
		{"ttl that overflows a duration", CreateParams{Content: "a", TTLSeconds: IntPtr(10_000_000_000)}, true},
		{"views at ceiling", CreateParams{Content: "a", MaxViews: IntPtr(MaxViewsCeiling)}, false},
		{"views past ceiling", CreateParams{Content: "a", MaxViews: IntPtr(3_000_000_000)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate(Limits{})
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate = %v, want error %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("got %v, want invalid input", err)
			}
		})
	}
}

func TestLongestTTLExpiresInTheFuture(t *testing.T) {
	created := time.Unix(1000, 0)
	p := Paste{CreatedAt: created, TTLSeconds: IntPtr(TTLCeiling)}
	if exp := p.ExpiresAt(); !exp.After(created) {
		t.Fatalf("expires_at %v is not after created_at %v", exp, created)
	}
	if !p.Alive(created.Add(time.Second)) {
		t.Fatal("paste with the longest ttl expired immediately")
	}
}

func TestValidateUnbounded(t *testing.T) {
	p := CreateParams{Content: strings.Repeat("a", 1<<20), TTLSeconds: IntPtr(1 << 30), MaxViews: IntPtr(1 << 30)}
	if err := p.Validate(Limits{}); err != nil {
		t.Fatalf("zero limits should not bound input: %v", err)
	}
}
