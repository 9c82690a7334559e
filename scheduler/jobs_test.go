package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/models"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/loader"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/pipeline"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/tracking"
)

type fakeProcessor struct {
	mu        sync.Mutex
	processed []string
	fail      map[string]error
	block     chan struct{}
	started   chan struct{}
	inflight  atomic.Int32
	peak      atomic.Int32
	delay     time.Duration
	waitCtx   bool
	panicOn   map[string]bool
}

func (f *fakeProcessor) Process(ctx context.Context, symbol string) (*pipeline.Report, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.processed = append(f.processed, symbol)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panicOn[symbol] {
		var counts map[string]int
		counts[symbol]++ // nil map write
	}
	if f.waitCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := f.fail[symbol]; err != nil {
		return nil, err
	}
	return &pipeline.Report{Symbol: symbol, Load: &loader.Result{Inserted: 1}}, nil
}

func (f *fakeProcessor) RecoverStaged(context.Context, []string) (int, error) {
	return 0, nil
}

func (f *fakeProcessor) symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.processed...)
	sort.Strings(out)
	return out
}

func newTestRegistry(t *testing.T, symbols ...string) (*tracking.Registry, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "scheduler.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := models.MigrateStockModels(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := tracking.NewRegistry(db)
	for _, s := range symbols {
		if _, err := r.Track(context.Background(), s); err != nil {
			t.Fatalf("Track %s: %v", s, err)
		}
	}
	return r, db
}

func TestRunCycle_SkipsDeactivatedSymbols(t *testing.T) {
	reg, _ := newTestRegistry(t, "AAPL", "TSLA", "MSFT")
	ctx := context.Background()
	if _, err := reg.Deactivate(ctx, "TSLA"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	proc := &fakeProcessor{}
	s := NewScheduler(Options{Workers: 2}, reg, proc)
	report, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	got := proc.symbols()
	if len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Fatalf("processed %v, want [AAPL MSFT]", got)
	}
	if report.Symbols != 2 || report.Succeeded != 2 {
		t.Errorf("report = %+v", report)
	}

	tsla, err := reg.Get(ctx, "TSLA")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tsla.IsActive || tsla.LastPullStatus != models.PullDisabled {
		t.Errorf("TSLA = %+v, want disabled", tsla)
	}
}

func TestRunCycle_IsolatesSymbolFailures(t *testing.T) {
	reg, _ := newTestRegistry(t, "AAPL", "MSFT", "IBM")
	proc := &fakeProcessor{fail: map[string]error{"MSFT": errors.New("status 503")}}
	s := NewScheduler(Options{Workers: 3}, reg, proc)

	report, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Succeeded != 2 || report.Failed != 1 || report.Failures["MSFT"] != "status 503" {
		t.Fatalf("report = %+v", report)
	}

	ctx := context.Background()
	msft, _ := reg.Get(ctx, "MSFT")
	if msft.LastPullStatus != models.PullFailed || msft.ErrorMessage == nil || *msft.ErrorMessage != "status 503" {
		t.Errorf("MSFT = %+v", msft)
	}
	if !msft.IsActive {
		t.Errorf("a failed symbol must stay active")
	}
	for _, sym := range []string{"AAPL", "IBM"} {
		e, _ := reg.Get(ctx, sym)
		if e.LastPullStatus != models.PullSuccess || e.LastPullDate == nil {
			t.Errorf("%s = %+v, want success", sym, e)
		}
	}
}

func TestRunCycle_RejectsOverlap(t *testing.T) {
	reg, _ := newTestRegistry(t, "AAPL")
	proc := &fakeProcessor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := NewScheduler(Options{Workers: 1}, reg, proc)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunCycle(context.Background())
		done <- err
	}()

	<-proc.started
	if !s.Running() {
		t.Error("Running() = false during a cycle")
	}
	if _, err := s.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("second RunCycle err = %v, want ErrCycleInProgress", err)
	}

	close(proc.block)
	if err := <-done; err != nil {
		t.Fatalf("first RunCycle: %v", err)
	}
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Errorf("RunCycle after completion: %v", err)
	}
}

func TestRunCycle_BoundedWorkers(t *testing.T) {
	reg, _ := newTestRegistry(t, "A", "B", "C", "D", "E", "F")
	proc := &fakeProcessor{delay: 20 * time.Millisecond}
	s := NewScheduler(Options{Workers: 2}, reg, proc)

	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := len(proc.symbols()); got != 6 {
		t.Fatalf("processed %d symbols, want 6", got)
	}
	if peak := proc.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestRunCycle_SymbolBudgetMarksFailed(t *testing.T) {
	reg, _ := newTestRegistry(t, "SLOW")
	proc := &fakeProcessor{waitCtx: true}
	s := NewScheduler(Options{Workers: 1, SymbolBudget: 50 * time.Millisecond}, reg, proc)

	start := time.Now()
	report, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("budget not enforced")
	}
	if report.Failed != 1 {
		t.Fatalf("report = %+v", report)
	}
	e, _ := reg.Get(context.Background(), "SLOW")
	if e.LastPullStatus != models.PullFailed {
		t.Errorf("SLOW = %+v", e)
	}
}

func TestRunCycle_StorageFailureEverywhereIsSystemic(t *testing.T) {
	reg, _ := newTestRegistry(t, "AAPL", "MSFT")
	perr := &loader.PersistenceError{Symbol: "x", Err: errors.New("connection refused")}
	proc := &fakeProcessor{fail: map[string]error{"AAPL": perr, "MSFT": perr}}
	s := NewScheduler(Options{Workers: 2}, reg, proc)

	_, err := s.RunCycle(context.Background())
	var sys *SystemicError
	if !errors.As(err, &sys) {
		t.Fatalf("err = %v, want SystemicError", err)
	}
}

func TestRunCycle_ListFailureIsSystemic(t *testing.T) {
	reg, db := newTestRegistry(t, "AAPL")
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	sqlDB.Close()

	proc := &fakeProcessor{}
	s := NewScheduler(Options{Workers: 1}, reg, proc)
	_, err = s.RunCycle(context.Background())
	var sys *SystemicError
	if !errors.As(err, &sys) {
		t.Fatalf("err = %v, want SystemicError", err)
	}
	if len(proc.symbols()) != 0 {
		t.Errorf("processed symbols despite list failure")
	}
}

func TestRunCycle_PanicIsIsolatedToSymbol(t *testing.T) {
	reg, _ := newTestRegistry(t, "AAA", "BAD", "ZZZ")
	proc := &fakeProcessor{panicOn: map[string]bool{"BAD": true}}
	s := NewScheduler(Options{Workers: 1}, reg, proc)

	report, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Succeeded != 2 || report.Failed != 1 {
		t.Fatalf("report = %+v, want 2 succeeded 1 failed", report)
	}
	if got := proc.symbols(); len(got) != 3 {
		t.Fatalf("processed %v, want all three", got)
	}

	ctx := context.Background()
	bad, _ := reg.Get(ctx, "BAD")
	if bad.LastPullStatus != models.PullFailed || bad.ErrorMessage == nil || !strings.HasPrefix(*bad.ErrorMessage, "panic:") {
		t.Errorf("BAD = %+v, want failed with panic message", bad)
	}
	for _, sym := range []string{"AAA", "ZZZ"} {
		e, _ := reg.Get(ctx, sym)
		if e.LastPullStatus != models.PullSuccess {
			t.Errorf("%s = %+v, want success", sym, e)
		}
	}
}

func TestTriggerCycle_StopCancelsIt(t *testing.T) {
	reg, _ := newTestRegistry(t, "SLOW")
	proc := &fakeProcessor{waitCtx: true, started: make(chan struct{}, 1)}
	s := NewScheduler(Options{Workers: 1}, reg, proc)

	done := make(chan *CycleReport, 1)
	go func() {
		report, _ := s.TriggerCycle()
		done <- report
	}()

	<-proc.started
	s.Stop()

	select {
	case report := <-done:
		if report == nil || report.Failed != 1 {
			t.Fatalf("report = %+v, want the symbol failed", report)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the triggered cycle")
	}

	e, _ := reg.Get(context.Background(), "SLOW")
	if e.LastPullStatus != models.PullFailed {
		t.Errorf("SLOW = %+v, want failed", e)
	}
}
