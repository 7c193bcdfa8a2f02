package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-fibaro/internal/bridges/fibaro"
	"github.com/nerrad567/gray-logic-fibaro/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fibaro/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-fibaro/migrations"
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestCreateAndList(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	log := &CommandLog{
		CommandID: "c-1",
		DeviceID:  42,
		Channel:   "dimmer",
		Command:   "percent",
		Value:     json.RawMessage(`75`),
		Source:    "scene",
		Status:    "accepted",
		Duration:  120 * time.Millisecond,
	}
	if err := repo.Create(ctx, log); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if log.ID == "" || log.CreatedAt.IsZero() {
		t.Fatalf("Create() did not fill ID/CreatedAt: %+v", log)
	}

	res, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 1 || len(res.Logs) != 1 {
		t.Fatalf("List() total=%d len=%d, want 1", res.Total, len(res.Logs))
	}

	got := res.Logs[0]
	if got.ID != log.ID || got.DeviceID != 42 || got.Channel != "dimmer" || got.Command != "percent" {
		t.Errorf("got %+v", got)
	}
	if string(got.Value) != "75" {
		t.Errorf("Value = %s, want 75", got.Value)
	}
	if got.Duration != 120*time.Millisecond {
		t.Errorf("Duration = %v", got.Duration)
	}
	if got.UserID != "" || got.ErrorCode != "" {
		t.Errorf("NULL columns not mapped to empty strings: %+v", got)
	}
	if !got.CreatedAt.Equal(log.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, log.CreatedAt)
	}
}

func TestRecordCommand(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec := fibaro.CommandRecord{
		CommandID: "c-9",
		DeviceID:  7,
		Channel:   "switch",
		Command:   "on_off",
		Value:     true,
		UserID:    "u-1",
		Status:    fibaro.AckFailed,
		ErrorCode: fibaro.ErrCodeDeviceUnreachable,
		Error:     "connection refused",
		Duration:  time.Second,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := repo.RecordCommand(ctx, rec); err != nil {
		t.Fatalf("RecordCommand() error = %v", err)
	}

	res, err := repo.List(ctx, Filter{DeviceID: 7})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(res.Logs) != 1 {
		t.Fatalf("len = %d, want 1", len(res.Logs))
	}
	got := res.Logs[0]
	if got.Status != string(fibaro.AckFailed) || got.ErrorCode != fibaro.ErrCodeDeviceUnreachable {
		t.Errorf("status/code = %s/%s", got.Status, got.ErrorCode)
	}
	if string(got.Value) != "true" || got.UserID != "u-1" {
		t.Errorf("value/user = %s/%s", got.Value, got.UserID)
	}
	if !got.CreatedAt.Equal(rec.Timestamp) {
		t.Errorf("CreatedAt = %v", got.CreatedAt)
	}
}

func TestList_Filters(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	seed := []CommandLog{
		{CommandID: "a", DeviceID: 1, Channel: "switch", Command: "on_off", Status: "accepted", CreatedAt: base},
		{CommandID: "b", DeviceID: 1, Channel: "switch", Command: "on_off", Status: "failed", CreatedAt: base.Add(time.Minute)},
		{CommandID: "c", DeviceID: 2, Channel: "dimmer", Command: "percent", Status: "accepted", CreatedAt: base.Add(2 * time.Minute)},
		{CommandID: "d", DeviceID: 2, Channel: "dimmer", Command: "percent", Status: "timeout", CreatedAt: base.Add(3*time.Minute + 500*time.Millisecond)},
	}
	for i := range seed {
		if err := repo.Create(ctx, &seed[i]); err != nil {
			t.Fatalf("Create(%s) error = %v", seed[i].CommandID, err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
		total  int
	}{
		{"all newest first", Filter{}, []string{"d", "c", "b", "a"}, 4},
		{"by device", Filter{DeviceID: 1}, []string{"b", "a"}, 2},
		{"by status", Filter{Status: "accepted"}, []string{"c", "a"}, 2},
		{"since", Filter{Since: base.Add(90 * time.Second)}, []string{"d", "c"}, 2},
		{"paged", Filter{Limit: 2, Offset: 1}, []string{"c", "b"}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.total {
				t.Errorf("Total = %d, want %d", res.Total, tt.total)
			}
			var ids []string
			for _, l := range res.Logs {
				ids = append(ids, l.CommandID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("ids = %v, want %v", ids, tt.want)
					break
				}
			}
		})
	}
}

func TestList_LimitClamp(t *testing.T) {
	repo := setupRepo(t)

	res, err := repo.List(context.Background(), Filter{Limit: 5000, Offset: -3})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Limit != maxLimit || res.Offset != 0 {
		t.Errorf("limit/offset = %d/%d, want %d/0", res.Limit, res.Offset, maxLimit)
	}
	if res.Logs == nil {
		t.Error("Logs should be an empty slice, not nil")
	}
}

func TestPrune(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, time.Hour} {
		log := &CommandLog{
			CommandID: string(rune('a' + i)),
			DeviceID:  42,
			Channel:   "switch",
			Command:   "on_off",
			Status:    "accepted",
			CreatedAt: now.Add(-age),
		}
		if err := repo.Create(ctx, log); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	n, err := repo.Prune(ctx, now.Add(-RetentionDays(30)))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Prune() removed %d, want 2", n)
	}

	res, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 1 || res.Logs[0].CommandID != "c" {
		t.Errorf("remaining = %+v", res.Logs)
	}
}

// stubRepo counts Prune calls.
type stubRepo struct {
	mu     sync.Mutex
	calls  int
	before []time.Time
	err    error
}

func (s *stubRepo) Create(context.Context, *CommandLog) error { return nil }

func (s *stubRepo) List(context.Context, Filter) (*ListResult, error) {
	return &ListResult{}, nil
}

func (s *stubRepo) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.before = append(s.before, before)
	return 1, s.err
}

func (s *stubRepo) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubLogger struct {
	mu    sync.Mutex
	infos int
	warns int
}

func (l *stubLogger) Info(string, ...any) {
	l.mu.Lock()
	l.infos++
	l.mu.Unlock()
}

func (l *stubLogger) Warn(string, ...any) {
	l.mu.Lock()
	l.warns++
	l.mu.Unlock()
}

func TestRunRetention(t *testing.T) {
	repo := &stubRepo{}
	logger := &stubLogger{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunRetention(ctx, repo, RetentionDays(7), 10*time.Millisecond, logger)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for repo.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if repo.count() < 3 {
		t.Fatalf("Prune called %d times, want >= 3", repo.count())
	}
	repo.mu.Lock()
	first := repo.before[0]
	repo.mu.Unlock()
	if age := time.Since(first); age < RetentionDays(7) || age > RetentionDays(7)+time.Minute {
		t.Errorf("cutoff age = %v, want about 7 days", age)
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if logger.infos == 0 {
		t.Error("expected an info log for pruned rows")
	}
}

func TestRunRetention_Disabled(t *testing.T) {
	repo := &stubRepo{}
	RunRetention(context.Background(), repo, 0, time.Millisecond, nil)
	if repo.count() != 0 {
		t.Errorf("Prune called %d times with retention disabled", repo.count())
	}
}

func TestRunRetention_LogsErrors(t *testing.T) {
	repo := &stubRepo{err: errors.New("disk full")}
	logger := &stubLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	RunRetention(ctx, repo, time.Hour, time.Hour, logger)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if logger.warns != 1 {
		t.Errorf("warns = %d, want 1", logger.warns)
	}
}
