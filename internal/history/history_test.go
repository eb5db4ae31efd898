package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-claimcheck/internal/domain/claim"
	"github.com/drfirst/go-claimcheck/pkg/circuitbreaker"
)

var fixedNow = time.Date(2024, 4, 1, 10, 30, 0, 0, time.UTC)

func TestContentHash_Golden(t *testing.T) {
	tests := []struct {
		patient, code, date string
		want                string
	}{
		{"P1", "metformin", "2024-01-01", "7zgb9u"},
		{"P-1001", "atorvastatin", "2024-01-31", "4h0cdc"},
		{"", "", "", "328"},
		{"P7", "ميتفورمين", "2024-03-15", "xkqfze"},
	}
	for _, tt := range tests {
		if got := ContentHash(tt.patient, tt.code, tt.date); got != tt.want {
			t.Errorf("ContentHash(%q, %q, %q) = %q, want %q", tt.patient, tt.code, tt.date, got, tt.want)
		}
	}

	if ContentHash("P1", "metformin", "2024-01-01") == ContentHash("P1", "metformin", "2024-01-02") {
		t.Error("Expected different days to hash differently")
	}
}

func seed(t *testing.T, store *MemoryStore, entries ...Entry) {
	t.Helper()
	ctx := context.Background()
	if err := EnsureTable(ctx, store, DefaultTable); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	for _, e := range entries {
		e.Hash = e.ComputeHash()
		if err := store.AppendRow(ctx, DefaultTable, e.Row()); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func entry(patient, code, date, claimID string) Entry {
	return Entry{
		PatientID:   patient,
		ServiceCode: code,
		ServiceName: code,
		ServiceType: claim.ServiceTypeMedication,
		ServiceDate: date,
		ClaimID:     claimID,
	}
}

func newTestLoader(store Store) *Loader {
	l := NewLoader(store, "", nil, nil)
	l.now = func() time.Time { return fixedNow }
	return l
}

func TestLoader_WindowAndPatients(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store,
		entry("P1", "metformin", "2024-03-20", "C1"),
		entry("P1", "metformin", "2024-02-01", "C2"),
		entry("P1", "metformin", "2023-12-01", "C3"),
		entry("P1", "cbc", "2024-03-01", "C4"),
		entry("P2", "metformin", "2024-03-25", "C5"),
	)

	ix := newTestLoader(store).Load(context.Background(), []string{"P1"}, 90)

	prior := ix.Lookup("P1", "metformin")
	if len(prior) != 2 || prior[0].ClaimID != "C1" || prior[1].ClaimID != "C2" {
		t.Errorf("Expected C1, C2 in stored order, got %+v", prior)
	}
	if len(ix.Lookup("P1", "cbc")) != 1 {
		t.Error("Expected the procedure entry to be indexed")
	}
	if _, ok := ix["P2"]; ok {
		t.Error("Expected other patients to be filtered out")
	}

	all := newTestLoader(store).Load(context.Background(), nil, 90)
	if all.Len() != 4 {
		t.Errorf("Expected 4 entries inside the window for all patients, got %d", all.Len())
	}

	unbounded := newTestLoader(store).Load(context.Background(), nil, 0)
	if unbounded.Len() != 5 {
		t.Errorf("Expected every entry without a window, got %d", unbounded.Len())
	}
}

func TestLoader_SkipsBadRowsAndToleratesColumnOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.CreateTable(ctx, DefaultTable)
	_ = store.InitializeHeaders(ctx, DefaultTable, []string{"Service_Date", "extra", "patient_id", "service_code", "claim_id"})

	_ = store.AppendRow(ctx, DefaultTable, Row{"2024-03-01", "x", "P1", "metformin", "C1"})
	_ = store.AppendRow(ctx, DefaultTable, Row{float64(45352), "x", "P1", "metformin", "C2"}) // 2024-03-01 as a day serial
	_ = store.AppendRow(ctx, DefaultTable, Row{"not a date", "x", "P1", "metformin", "C3"})
	_ = store.AppendRow(ctx, DefaultTable, Row{"2024-03-01", "x", "", "metformin", "C4"})
	_ = store.AppendRow(ctx, DefaultTable, Row{"2024-03-01"})
	_ = store.AppendRow(ctx, DefaultTable, Row{"2024-03-01", "x", "P1", "", "C5"})

	ix := newTestLoader(store).Load(ctx, []string{"P1"}, 90)
	prior := ix.Lookup("P1", "metformin")
	if len(prior) != 2 {
		t.Fatalf("Expected 2 valid rows, got %+v", prior)
	}
	if ix.Len() != 2 || len(ix.Lookup("P1", "")) != 0 {
		t.Errorf("Expected the row without a service code to be skipped, got %d entries", ix.Len())
	}
	if prior[1].ServiceDate != "2024-03-01" {
		t.Errorf("Expected serial date to be bucketed, got %q", prior[1].ServiceDate)
	}
}

type failingStore struct {
	MemoryStore
	readErr   error
	appendErr error
	appends   int
}

func (f *failingStore) ReadAllRows(ctx context.Context, name string) ([]Row, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.MemoryStore.ReadAllRows(ctx, name)
}

func (f *failingStore) AppendRow(ctx context.Context, name string, row Row) error {
	f.appends++
	if f.appendErr != nil {
		return f.appendErr
	}
	return f.MemoryStore.AppendRow(ctx, name, row)
}

func newFailingStore() *failingStore {
	return &failingStore{MemoryStore: MemoryStore{tables: make(map[string][]Row)}}
}

func TestLoader_FailsOpen(t *testing.T) {
	store := newFailingStore()
	store.readErr = errors.New("connection reset")

	ix := newTestLoader(store).Load(context.Background(), []string{"P1"}, 90)
	if ix == nil || ix.Len() != 0 {
		t.Errorf("Expected an empty index, got %+v", ix)
	}

	missing := newTestLoader(NewMemoryStore()).Load(context.Background(), nil, 90)
	if missing.Len() != 0 {
		t.Error("Expected an empty index for a missing table")
	}

	if newTestLoader(nil).Load(context.Background(), nil, 90).Len() != 0 {
		t.Error("Expected an empty index without a store")
	}
}

func newTestWriter(store Store) *Writer {
	w := NewWriter(store, "", "test", nil, nil)
	w.now = func() time.Time { return fixedNow }
	return w
}

func TestWriter_CreatesTableAndCollapsesDuplicates(t *testing.T) {
	store := NewMemoryStore()
	w := newTestWriter(store)

	candidates := []Entry{
		entry("P1", "metformin", "2024-03-01", "C1"),
		entry("P1", "metformin", "2024-03-01T18:45:00Z", "C2"),
		entry("P1", "metformin", "2024-03-02", "C2"),
		entry("P1", "", "2024-03-02", "C2"),
		entry("", "metformin", "2024-03-02", "C2"),
		entry("P1", "metformin", "someday", "C2"),
	}
	res := w.StoreNewClaims(context.Background(), candidates)

	want := WriteResult{Candidates: 6, Written: 2, Duplicates: 1, Skipped: 3}
	if res != want {
		t.Errorf("Expected %+v, got %+v", want, res)
	}
	if store.Len(DefaultTable) != 2 {
		t.Errorf("Expected 2 stored rows, got %d", store.Len(DefaultTable))
	}

	rows, _ := store.ReadAllRows(context.Background(), DefaultTable)
	if len(rows[0]) != len(Headers) || rows[0][0] != ColHash {
		t.Errorf("Expected the header row first, got %v", rows[0])
	}
	if rows[1][9] != "test" || rows[1][10] != "2024-04-01T10:30:00Z" {
		t.Errorf("Expected source and created_at to be filled, got %v", rows[1])
	}
}

func TestWriter_DedupAcrossBatches(t *testing.T) {
	store := NewMemoryStore()
	w := newTestWriter(store)
	batch := []Entry{
		entry("P1", "metformin", "2024-03-01", "C1"),
		entry("P1", "cbc", "2024-03-01", "C1"),
	}

	first := w.StoreNewClaims(context.Background(), batch)
	second := NewWriter(store, "", "other-process", nil, nil).StoreNewClaims(context.Background(), batch)

	if first.Written != 2 || second.Written != 0 || second.Duplicates != 2 {
		t.Errorf("Expected the resubmission to write nothing, got %+v then %+v", first, second)
	}

	seen := map[string]bool{}
	rows, _ := store.ReadAllRows(context.Background(), DefaultTable)
	for _, r := range rows[1:] {
		h := r[0].(string)
		if seen[h] {
			t.Errorf("Duplicate hash %s persisted", h)
		}
		seen[h] = true
	}
}

type slowReadStore struct {
	*MemoryStore
	delay time.Duration
}

func (s slowReadStore) ReadAllRows(ctx context.Context, name string) ([]Row, error) {
	rows, err := s.MemoryStore.ReadAllRows(ctx, name)
	time.Sleep(s.delay)
	return rows, err
}

func TestWriter_ConcurrentWritersShareStore(t *testing.T) {
	shared := NewMemoryStore()
	if err := EnsureTable(context.Background(), shared, DefaultTable); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	store := slowReadStore{MemoryStore: shared, delay: 20 * time.Millisecond}
	batch := []Entry{entry("P1", "metformin", "2024-03-01", "C1")}

	results := make([]WriteResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = newTestWriter(store).StoreNewClaims(context.Background(), batch)
		}(i)
	}
	wg.Wait()

	if shared.Len(DefaultTable) != 1 {
		t.Errorf("Expected one row for one (patient, service, day), got %d", shared.Len(DefaultTable))
	}
	written := results[0].Written + results[1].Written
	dups := results[0].Duplicates + results[1].Duplicates
	if written != 1 || dups != 1 {
		t.Errorf("Expected one write and one duplicate, got %+v and %+v", results[0], results[1])
	}
}

func TestMemoryStore_RejectsRepeatedHash(t *testing.T) {
	store := NewMemoryStore()
	e := entry("P1", "metformin", "2024-03-01", "C1")
	seed(t, store, e)

	e.Hash = e.ComputeHash()
	if err := store.AppendRow(context.Background(), DefaultTable, e.Row()); !errors.Is(err, ErrDuplicateRow) {
		t.Errorf("Expected ErrDuplicateRow, got %v", err)
	}

	// tables without a hash column are not keyed
	ctx := context.Background()
	_ = store.CreateTable(ctx, "plain")
	_ = store.InitializeHeaders(ctx, "plain", []string{"patient_id"})
	for i := 0; i < 2; i++ {
		if err := store.AppendRow(ctx, "plain", Row{"P1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestWriter_StoreFailures(t *testing.T) {
	batch := []Entry{entry("P1", "metformin", "2024-03-01", "C1"), entry("P1", "cbc", "2024-03-01", "C1")}

	readFails := newFailingStore()
	seed(t, &readFails.MemoryStore)
	readFails.readErr = errors.New("timeout")
	res := newTestWriter(readFails).StoreNewClaims(context.Background(), batch)
	if res.Written != 0 || res.Failed != 2 || res.Error == "" {
		t.Errorf("Expected nothing written on read failure, got %+v", res)
	}
	if readFails.appends != 0 {
		t.Errorf("Expected no appends without the existing hashes, got %d", readFails.appends)
	}

	appendFails := newFailingStore()
	appendFails.appendErr = errors.New("quota exceeded")
	res = newTestWriter(appendFails).StoreNewClaims(context.Background(), batch)
	if res.Written != 0 || res.Failed != 2 {
		t.Errorf("Expected every append to fail, got %+v", res)
	}
	if appendFails.appends != 2 {
		t.Errorf("Expected the writer to continue after a failed append, got %d attempts", appendFails.appends)
	}
}

func TestGuardedStore_OpenCircuitFailsOpen(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("history")
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Hour
	breaker, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}

	backend := newFailingStore()
	seed(t, &backend.MemoryStore, entry("P1", "metformin", "2024-03-20", "C1"))
	backend.readErr = errors.New("down")
	guarded := NewGuardedStore(backend, breaker)

	if ix := newTestLoader(guarded).Load(context.Background(), nil, 90); ix.Len() != 0 {
		t.Error("Expected empty history while the backend fails")
	}
	if breaker.GetState() != circuitbreaker.StateOpen {
		t.Fatalf("Expected the breaker to open, got %s", breaker.GetState())
	}

	backend.readErr = nil
	if ix := newTestLoader(guarded).Load(context.Background(), nil, 90); ix.Len() != 0 {
		t.Error("Expected the open circuit to short-circuit reads")
	}

	res := newTestWriter(guarded).StoreNewClaims(context.Background(), []Entry{entry("P1", "cbc", "2024-03-21", "C2")})
	if res.Written != 0 || res.Failed != 1 {
		t.Errorf("Expected zero rows written through an open circuit, got %+v", res)
	}
}

func TestGuardedStore_DuplicateDoesNotTrip(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("history")
	cfg.FailureThreshold = 1
	breaker, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}

	backend := NewMemoryStore()
	e := entry("P1", "metformin", "2024-03-20", "C1")
	seed(t, backend, e)
	e.Hash = e.ComputeHash()

	guarded := NewGuardedStore(backend, breaker)
	if err := guarded.AppendRow(context.Background(), DefaultTable, e.Row()); !errors.Is(err, ErrDuplicateRow) {
		t.Errorf("Expected ErrDuplicateRow, got %v", err)
	}
	if breaker.GetState() != circuitbreaker.StateClosed {
		t.Errorf("Expected the breaker to stay closed, got %s", breaker.GetState())
	}
}
