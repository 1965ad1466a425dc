package db

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"pastelite/pkg/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var seq int64

func testID() string {
	return fmt.Sprintf("t%010d", atomic.AddInt64(&seq, 1))
}

func newTestPaste(content string, ttl, maxViews *int) *domain.Paste {
	p := &domain.Paste{
		ID:         testID(),
		Content:    content,
		CreatedAt:  time.UnixMilli(1_700_000_000_123).UTC(),
		TTLSeconds: ttl,
		MaxViews:   maxViews,
	}
	if maxViews != nil {
		p.RemainingViews = domain.IntPtr(*maxViews)
	}
	return p
}

// runStoreSuite checks the behaviour every backend must share.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("put then get round trips", func(t *testing.T) {
		for _, content := range []string{
			"hello",
			"  leading and trailing  \n",
			"<script>alert('x')</script> & \"quotes\"",
			"日本語 🎉 café",
		} {
			p := newTestPaste(content, domain.IntPtr(60), domain.IntPtr(3))
			require.NoError(t, s.Put(ctx, p))
			got, err := s.Get(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, content, got.Content)
			assert.True(t, p.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", got.CreatedAt, p.CreatedAt)
			require.NotNil(t, got.TTLSeconds)
			assert.Equal(t, 60, *got.TTLSeconds)
			require.NotNil(t, got.RemainingViews)
			assert.Equal(t, 3, *got.RemainingViews)
		}
	})

	t.Run("optional fields stay nil", func(t *testing.T) {
		p := newTestPaste("plain", nil, nil)
		require.NoError(t, s.Put(ctx, p))
		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Nil(t, got.TTLSeconds)
		assert.Nil(t, got.MaxViews)
		assert.Nil(t, got.RemainingViews)
	})

	t.Run("largest accepted values round trip", func(t *testing.T) {
		p := newTestPaste("big", domain.IntPtr(domain.TTLCeiling), domain.IntPtr(domain.MaxViewsCeiling))
		require.NoError(t, s.Put(ctx, p))
		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		require.NotNil(t, got.TTLSeconds)
		assert.Equal(t, domain.TTLCeiling, *got.TTLSeconds)
		assert.Equal(t, domain.MaxViewsCeiling, *got.MaxViews)
		n, ok, err := s.DecrementIfPositive(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, domain.MaxViewsCeiling-1, n)
	})

	t.Run("missing id is not found", func(t *testing.T) {
		_, err := s.Get(ctx, "doesnotexist")
		assert.True(t, errors.Is(err, domain.ErrPasteNotFound), "got %v", err)
		ok, err := s.Exists(ctx, "doesnotexist")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		p := newTestPaste("first", nil, nil)
		require.NoError(t, s.Put(ctx, p))
		dup := *p
		dup.Content = "second"
		assert.True(t, errors.Is(s.Put(ctx, &dup), ErrIDTaken))
		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", got.Content)
		ok, err := s.Exists(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("decrement stops at zero", func(t *testing.T) {
		p := newTestPaste("counted", nil, domain.IntPtr(2))
		require.NoError(t, s.Put(ctx, p))
		for _, want := range []int{1, 0} {
			n, ok, err := s.DecrementIfPositive(ctx, p.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, n)
		}
		_, ok, err := s.DecrementIfPositive(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, *got.RemainingViews)
	})

	t.Run("decrement without a limit or record fails", func(t *testing.T) {
		p := newTestPaste("unlimited", nil, nil)
		require.NoError(t, s.Put(ctx, p))
		_, ok, err := s.DecrementIfPositive(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = s.DecrementIfPositive(ctx, "doesnotexist")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent decrements never overshoot", func(t *testing.T) {
		const views, callers = 5, 40
		p := newTestPaste("race", nil, domain.IntPtr(views))
		require.NoError(t, s.Put(ctx, p))
		var wins int64
		var g errgroup.Group
		for i := 0; i < callers; i++ {
			g.Go(func() error {
				_, ok, err := s.DecrementIfPositive(ctx, p.ID)
				if ok {
					atomic.AddInt64(&wins, 1)
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(views), wins)
		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, *got.RemainingViews)
	})

	sw, ok := s.(Sweeper)
	if !ok {
		return
	}
	t.Run("sweeper removes only long-expired records", func(t *testing.T) {
		old := newTestPaste("old", domain.IntPtr(1), nil)
		old.CreatedAt = time.UnixMilli(1_000_000).UTC()
		fresh := newTestPaste("fresh", domain.IntPtr(3600), nil)
		forever := newTestPaste("forever", nil, domain.IntPtr(1))
		forever.CreatedAt = old.CreatedAt
		for _, p := range []*domain.Paste{old, fresh, forever} {
			require.NoError(t, s.Put(ctx, p))
		}
		_, err := sw.CleanupExpired(ctx, fresh.CreatedAt)
		require.NoError(t, err)

		_, err = s.Get(ctx, old.ID)
		assert.True(t, errors.Is(err, domain.ErrPasteNotFound), "old paste should be swept, got %v", err)
		_, err = s.Get(ctx, fresh.ID)
		assert.NoError(t, err)
		_, err = s.Get(ctx, forever.ID)
		assert.NoError(t, err, "pastes without ttl are never swept")
	})
}
