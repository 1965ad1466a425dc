package svc

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pastelite/cfg"
	"pastelite/pkg/domain"
	"pastelite/svc/cache"
	"pastelite/svc/db"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{MaxPasteSize: 1024, CacheTTL: time.Minute}
}

func newTestService(t *testing.T, store db.Store) *Paste {
	t.Helper()
	lru, err := cache.NewLRU(100)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPaste(store, lru, nil, testCfg())
	t.Cleanup(p.Shutdown)
	return p
}

func newTestSQLite(t *testing.T) *db.SQLite {
	t.Helper()
	s, err := db.NewSQLiteWithConfig(filepath.Join(t.TempDir(), "pastes.db"), 16, 4, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func at(sec int64) time.Time { return time.Unix(sec, 0) }

func TestScenarioSingleView(t *testing.T) {
	svc := newTestService(t, db.NewMemory())
	ctx := context.Background()

	p, err := svc.Create(ctx, at(1000), domain.CreateParams{Content: "hello", MaxViews: domain.IntPtr(1)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := svc.Fetch(ctx, at(1001), p.ID)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if got.Content != "hello" {
		t.Errorf("content = %q", got.Content)
	}
	if got.RemainingViews == nil || *got.RemainingViews != 0 {
		t.Errorf("remaining = %v, want 0", got.RemainingViews)
	}
	if _, err := svc.Fetch(ctx, at(1002), p.ID); !errors.Is(err, domain.ErrPasteExpired) {
		t.Fatalf("second fetch: got %v, want expired", err)
	}
}

func TestScenarioTTL(t *testing.T) {
	svc := newTestService(t, db.NewMemory())
	ctx := context.Background()

	p, err := svc.Create(ctx, at(1000), domain.CreateParams{Content: "hi", TTLSeconds: domain.IntPtr(60)})
	if err != nil {
		t.Fatal(err)
	}
	if exp := p.ExpiresAt(); exp == nil || !exp.Equal(at(1060)) {
		t.Fatalf("ExpiresAt = %v", exp)
	}
	if _, err := svc.Fetch(ctx, at(1050), p.ID); err != nil {
		t.Fatalf("fetch before deadline: %v", err)
	}
	if _, err := svc.Fetch(ctx, at(1060), p.ID); !errors.Is(err, domain.ErrPasteExpired) {
		t.Fatalf("fetch at deadline: got %v", err)
	}
	if _, err := svc.Fetch(ctx, at(1061), p.ID); !errors.Is(err, domain.ErrPasteExpired) {
		t.Fatalf("fetch after deadline: got %v", err)
	}
	// time going backwards makes it visible again; expiry is a pure function of now
	if _, err := svc.Fetch(ctx, at(1059), p.ID); err != nil {
		t.Fatalf("fetch at 1059: %v", err)
	}
}

func TestCreateFetchRoundTrip(t *testing.T) {
	for name, store := range map[string]db.Store{"memory": db.NewMemory(), "sqlite": newTestSQLite(t)} {
		t.Run(name, func(t *testing.T) {
			svc := newTestService(t, store)
			ctx := context.Background()
			for _, content := range []string{
				"plain",
				"  padded\n\n",
				"<b>bold</b> & <script>x</script>",
				"ünïcödé 🚀 é vs é",
			} {
				p, err := svc.Create(ctx, at(5000), domain.CreateParams{Content: content})
				if err != nil {
					t.Fatalf("Create(%q): %v", content, err)
				}
				if p.RemainingViews != nil {
					t.Errorf("unlimited paste should have no counter")
				}
				got, err := svc.Fetch(ctx, at(5001), p.ID)
				if err != nil {
					t.Fatalf("Fetch: %v", err)
				}
				if got.Content != content {
					t.Errorf("round trip changed content: %q -> %q", content, got.Content)
				}
			}
		})
	}
}

func TestFetchUnknown(t *testing.T) {
	svc := newTestService(t, db.NewMemory())
	for _, id := range []string{"AAAAAAAAAAA", "short", "../../etc", ""} {
		if _, err := svc.Fetch(context.Background(), at(1), id); !errors.Is(err, domain.ErrPasteNotFound) {
			t.Errorf("Fetch(%q) = %v, want not found", id, err)
		}
	}
}

func TestCreateInvalid(t *testing.T) {
	svc := newTestService(t, db.NewMemory())
	for name, params := range map[string]domain.CreateParams{
		"empty":      {Content: ""},
		"ttl zero":   {Content: "x", TTLSeconds: domain.IntPtr(0)},
		"views zero": {Content: "x", MaxViews: domain.IntPtr(0)},
	} {
		if _, err := svc.Create(context.Background(), at(1), params); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("%s: got %v, want invalid input", name, err)
		}
	}
}

func TestTTLExpiryDoesNotConsumeViews(t *testing.T) {
	store := db.NewMemory()
	svc := newTestService(t, store)
	ctx := context.Background()
	p, err := svc.Create(ctx, at(1000), domain.CreateParams{Content: "x", TTLSeconds: domain.IntPtr(60), MaxViews: domain.IntPtr(2)})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Fetch(ctx, at(2000), p.ID); !errors.Is(err, domain.ErrPasteExpired) {
			t.Fatalf("got %v", err)
		}
	}
	rec, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *rec.RemainingViews != 2 {
		t.Fatalf("remaining views = %d after ttl-expired fetches, want 2", *rec.RemainingViews)
	}
}

func TestViewLimitThroughCache(t *testing.T) {
	svc := newTestService(t, db.NewMemory())
	ctx := context.Background()
	p, err := svc.Create(ctx, at(1), domain.CreateParams{Content: "x", MaxViews: domain.IntPtr(3)})
	if err != nil {
		t.Fatal(err)
	}
	for want := 2; want >= 0; want-- {
		got, err := svc.Fetch(ctx, at(2), p.ID)
		if err != nil {
			t.Fatalf("fetch with %d left: %v", want, err)
		}
		if *got.RemainingViews != want {
			t.Fatalf("remaining = %d, want %d", *got.RemainingViews, want)
		}
	}
	if _, err := svc.Fetch(ctx, at(2), p.ID); !errors.Is(err, domain.ErrPasteExpired) {
		t.Fatalf("4th fetch: got %v", err)
	}
}

func TestConcurrentFetchNeverOverServes(t *testing.T) {
	const views, callers = 7, 64
	for name, store := range map[string]db.Store{"memory": db.NewMemory(), "sqlite": newTestSQLite(t)} {
		t.Run(name, func(t *testing.T) {
			svc := newTestService(t, store)
			ctx := context.Background()
			p, err := svc.Create(ctx, at(1), domain.CreateParams{Content: "hot", MaxViews: domain.IntPtr(views)})
			if err != nil {
				t.Fatal(err)
			}
			var served, refused int64
			var g errgroup.Group
			for i := 0; i < callers; i++ {
				g.Go(func() error {
					_, err := svc.Fetch(ctx, at(2), p.ID)
					switch {
					case err == nil:
						atomic.AddInt64(&served, 1)
					case errors.Is(err, domain.ErrPasteExpired):
						atomic.AddInt64(&refused, 1)
					default:
						return err
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
			if served != views {
				t.Fatalf("served %d times, want exactly %d", served, views)
			}
			if refused != callers-views {
				t.Fatalf("refused %d, want %d", refused, callers-views)
			}
		})
	}
}

type fakeShared struct {
	mu    sync.Mutex
	items map[string]*domain.Paste
	gets  int
}

func (f *fakeShared) CachePaste(_ context.Context, p *domain.Paste, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[p.ID] = p.Snapshot()
	return nil
}

func (f *fakeShared) CachedPaste(_ context.Context, id string) (*domain.Paste, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if p, ok := f.items[id]; ok {
		return p.Snapshot(), nil
	}
	return nil, nil
}

func TestSharedCacheIsConsulted(t *testing.T) {
	store := db.NewMemory()
	shared := &fakeShared{items: map[string]*domain.Paste{}}
	writer := NewPaste(store, nil, shared, testCfg())
	defer writer.Shutdown()
	ctx := context.Background()
	p, err := writer.Create(ctx, at(1), domain.CreateParams{Content: "x", MaxViews: domain.IntPtr(1)})
	if err != nil {
		t.Fatal(err)
	}
	if shared.items[p.ID] == nil || shared.items[p.ID].RemainingViews != nil {
		t.Fatal("create should publish a counter-free snapshot")
	}

	reader := NewPaste(store, nil, shared, testCfg())
	defer reader.Shutdown()
	if _, err := reader.Fetch(ctx, at(2), p.ID); err != nil {
		t.Fatal(err)
	}
	if shared.gets != 1 {
		t.Fatalf("shared cache lookups = %d", shared.gets)
	}
	if _, err := reader.Fetch(ctx, at(2), p.ID); !errors.Is(err, domain.ErrPasteExpired) {
		t.Fatalf("shared snapshot must not bypass the counter: %v", err)
	}
}

type brokenStore struct {
	db.Store
	putErr error
	puts   int
}

func (b *brokenStore) Exists(context.Context, string) (bool, error) { return false, nil }
func (b *brokenStore) Put(context.Context, *domain.Paste) error {
	b.puts++
	return b.putErr
}
func (b *brokenStore) Get(context.Context, string) (*domain.Paste, error) {
	return nil, errors.New("disk on fire")
}

func TestStoreFailuresAreUnavailable(t *testing.T) {
	svc := NewPaste(&brokenStore{putErr: errors.New("read-only")}, nil, nil, testCfg())
	defer svc.Shutdown()
	if _, err := svc.Create(context.Background(), at(1), domain.CreateParams{Content: "x"}); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("create: got %v", err)
	}
	if _, err := svc.Fetch(context.Background(), at(1), "AAAAAAAAAAA"); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("fetch: got %v", err)
	}
}

func TestCreateGivesUpOnPersistentCollision(t *testing.T) {
	store := &brokenStore{putErr: db.ErrIDTaken}
	svc := NewPaste(store, nil, nil, testCfg())
	defer svc.Shutdown()
	_, err := svc.Create(context.Background(), at(1), domain.CreateParams{Content: "x"})
	if !errors.Is(err, domain.ErrInternalServer) {
		t.Fatalf("got %v", err)
	}
	if store.puts != createAttempts {
		t.Fatalf("puts = %d, want %d", store.puts, createAttempts)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	svc := NewPaste(db.NewMemory(), nil, nil, testCfg())
	svc.Shutdown()
	if _, err := svc.Create(context.Background(), at(1), domain.CreateParams{Content: "x"}); !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("got %v", err)
	}
	if _, err := svc.Fetch(context.Background(), at(1), "AAAAAAAAAAA"); !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("got %v", err)
	}
}

func TestSnapshotTTL(t *testing.T) {
	svc := NewPaste(db.NewMemory(), nil, nil, testCfg())
	defer svc.Shutdown()
	p := &domain.Paste{CreatedAt: at(1000), TTLSeconds: domain.IntPtr(30)}
	if got := svc.snapshotTTL(p, at(1010)); got != 20*time.Second {
		t.Errorf("ttl bounded by deadline = %v", got)
	}
	p.TTLSeconds = domain.IntPtr(3600)
	if got := svc.snapshotTTL(p, at(1010)); got != time.Minute {
		t.Errorf("ttl bounded by CACHE_TTL = %v", got)
	}
	if got := svc.snapshotTTL(p, at(99999)); got > 0 {
		t.Errorf("expired paste should not be cached, ttl = %v", got)
	}
}

func TestLongestTTLStaysReadable(t *testing.T) {
	svc := newTestService(t, db.NewMemory())
	ctx := context.Background()

	p, err := svc.Create(ctx, at(1000), domain.CreateParams{Content: "long lived", TTLSeconds: domain.IntPtr(domain.TTLCeiling)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if exp := p.ExpiresAt(); exp == nil || !exp.After(p.CreatedAt) {
		t.Fatalf("expires_at %v not after created_at %v", exp, p.CreatedAt)
	}
	svc.lru.Delete(p.ID)
	if _, err := svc.Fetch(ctx, at(1001), p.ID); err != nil {
		t.Fatalf("Fetch a second later: %v", err)
	}
	if _, err := svc.Create(ctx, at(1000), domain.CreateParams{Content: "x", TTLSeconds: domain.IntPtr(10_000_000_000)}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("ttl beyond the ceiling: got %v", err)
	}
}

// gatedStore holds Get until release is closed, honouring ctx like a real
// driver does.
type gatedStore struct {
	db.Store
	gets    int64
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if atomic.AddInt64(&g.gets, 1) == 1 {
		close(g.entered)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.release:
	}
	return g.Store.Get(ctx, id)
}

func TestCancelledReaderDoesNotFailOthers(t *testing.T) {
	mem := db.NewMemory()
	store := &gatedStore{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewPaste(store, nil, nil, testCfg())
	defer svc.Shutdown()

	p, err := svc.Create(context.Background(), at(1), domain.CreateParams{Content: "shared"})
	if err != nil {
		t.Fatal(err)
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := svc.Fetch(ctx1, at(2), p.ID)
		first <- err
	}()
	<-store.entered

	second := make(chan error, 1)
	go func() {
		got, err := svc.Fetch(context.Background(), at(2), p.ID)
		if err == nil && got.Content != "shared" {
			err = errors.Errorf("content %q", got.Content)
		}
		second <- err
	}()
	// let the second reader join the lookup already in flight
	time.Sleep(50 * time.Millisecond)

	cancel1()
	select {
	case err := <-first:
		if !errors.Is(err, domain.ErrUnavailable) {
			t.Errorf("cancelled reader: got %v, want unavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled reader did not return")
	}

	close(store.release)
	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("second reader failed after first was cancelled: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second reader did not return")
	}
	if n := atomic.LoadInt64(&store.gets); n != 1 {
		t.Errorf("store.Get called %d times, want 1", n)
	}
}
