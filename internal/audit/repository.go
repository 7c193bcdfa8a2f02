// Package audit persists the outcome of every command the bridge sends
// to the hub in the command_audit table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-fibaro/internal/bridges/fibaro"
)

const (
	defaultLimit = 50
	maxLimit     = 200

	// timeLayout is fixed-width so created_at sorts lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// CommandLog is one row of the command audit trail.
type CommandLog struct {
	ID        string          `json:"id"`
	CommandID string          `json:"command_id"`
	DeviceID  int             `json:"device_id"`
	Channel   string          `json:"channel"`
	Command   string          `json:"command"`
	Value     json.RawMessage `json:"value,omitempty"`
	Source    string          `json:"source,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Status    string          `json:"status"`
	ErrorCode string          `json:"error_code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration"`
	CreatedAt time.Time       `json:"created_at"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	DeviceID int
	Status   string
	Since    time.Time
	Limit    int // default 50, max 200
	Offset   int
}

// ListResult is one page of audit rows, newest first.
type ListResult struct {
	Logs   []CommandLog `json:"logs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// Repository is the command audit store.
type Repository interface {
	Create(ctx context.Context, log *CommandLog) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository stores command logs in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository returns a repository over db. The command_audit
// migration must already be applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts log, filling ID and CreatedAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, log *CommandLog) error {
	if log.ID == "" {
		log.ID = "cmd-" + uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	var value any
	if len(log.Value) > 0 {
		value = string(log.Value)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_audit
		 (id, command_id, device_id, channel, command, value, source, user_id, status, error_code, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.CommandID, log.DeviceID, log.Channel, log.Command, value,
		nullableString(log.Source), nullableString(log.UserID),
		log.Status, nullableString(log.ErrorCode), nullableString(log.Error),
		log.Duration.Milliseconds(),
		log.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command audit: %w", err)
	}
	return nil
}

// RecordCommand stores a bridge command outcome.
func (r *SQLiteRepository) RecordCommand(ctx context.Context, rec fibaro.CommandRecord) error {
	log := &CommandLog{
		CommandID: rec.CommandID,
		DeviceID:  int(rec.DeviceID),
		Channel:   rec.Channel,
		Command:   rec.Command,
		Source:    rec.Source,
		UserID:    rec.UserID,
		Status:    string(rec.Status),
		ErrorCode: rec.ErrorCode,
		Error:     rec.Error,
		Duration:  rec.Duration,
		CreatedAt: rec.Timestamp,
	}
	if rec.Value != nil {
		raw, err := json.Marshal(rec.Value)
		if err != nil {
			return fmt.Errorf("marshalling command value: %w", err)
		}
		log.Value = raw
	}
	return r.Create(ctx, log)
}

// List returns rows matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.DeviceID != 0 {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM command_audit " + where //nolint:gosec // parameterised conditions only
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command audit: %w", err)
	}

	query := `SELECT id, command_id, device_id, channel, command, value, source, user_id,
		status, error_code, error, duration_ms, created_at
		FROM command_audit ` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?` //nolint:gosec // parameterised conditions only
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying command audit: %w", err)
	}
	defer rows.Close()

	logs := []CommandLog{}
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command audit: %w", err)
	}

	return &ListResult{Logs: logs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func scanLog(rows *sql.Rows) (CommandLog, error) {
	var log CommandLog
	var value, source, userID, errCode, errMsg sql.NullString
	var durationMS int64
	var createdAt string

	if err := rows.Scan(&log.ID, &log.CommandID, &log.DeviceID, &log.Channel, &log.Command,
		&value, &source, &userID, &log.Status, &errCode, &errMsg, &durationMS, &createdAt); err != nil {
		return CommandLog{}, fmt.Errorf("scanning command audit: %w", err)
	}

	if value.Valid {
		log.Value = json.RawMessage(value.String)
	}
	log.Source = source.String
	log.UserID = userID.String
	log.ErrorCode = errCode.String
	log.Error = errMsg.String
	log.Duration = time.Duration(durationMS) * time.Millisecond

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return CommandLog{}, fmt.Errorf("parsing command audit timestamp %q: %w", createdAt, err)
	}
	log.CreatedAt = t
	return log, nil
}

// Prune deletes rows created before the cutoff and returns how many went.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM command_audit WHERE created_at < ?",
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning command audit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning command audit: %w", err)
	}
	return n, nil
}

// nullableString maps "" to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
