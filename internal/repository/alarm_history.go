package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rimoric/torcia-sub001/internal/models"

	"go.uber.org/zap"
)

// AlarmHistoryRepository 报警生命周期历史（Postgres，只追加）
type AlarmHistoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlarmHistoryRepository 创建报警历史仓库
func NewAlarmHistoryRepository(db *sql.DB, logger *zap.Logger) *AlarmHistoryRepository {
	return &AlarmHistoryRepository{
		db:     db,
		logger: logger,
	}
}

// AlarmHistoryEntry 历史记录
type AlarmHistoryEntry struct {
	ID             int64           `json:"id"`
	AlarmID        string          `json:"alarmId"`
	EventType      string          `json:"eventType"`
	Severity       models.Severity `json:"severity"`
	Source         models.Source   `json:"source"`
	DeviceID       string          `json:"deviceId,omitempty"`
	Message        string          `json:"message"`
	AcknowledgedBy string          `json:"acknowledgedBy,omitempty"`
	AlarmTime      time.Time       `json:"alarmTime"`
	RecordedAt     time.Time       `json:"recordedAt"`
}

// AlarmHistoryFilters 查询条件（nil 表示不过滤）
type AlarmHistoryFilters struct {
	AlarmID   *string
	Source    *models.Source
	EventType *string
	Since     *time.Time
	Limit     int
}

const createAlarmHistoryTable = `
	CREATE TABLE IF NOT EXISTS torcia_alarm_history (
		id              BIGSERIAL PRIMARY KEY,
		alarm_id        TEXT        NOT NULL,
		event_type      TEXT        NOT NULL,
		severity        TEXT        NOT NULL,
		source          TEXT        NOT NULL,
		device_id       TEXT,
		message         TEXT        NOT NULL,
		acknowledged_by TEXT,
		alarm_time      TIMESTAMPTZ NOT NULL,
		recorded_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// EnsureSchema 建表（已存在时不做任何事）
func (r *AlarmHistoryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createAlarmHistoryTable); err != nil {
		return fmt.Errorf("failed to create alarm history table: %w", err)
	}
	return nil
}

// RecordAlarmEvent 追加一条历史
func (r *AlarmHistoryRepository) RecordAlarmEvent(ctx context.Context, eventType string, a models.Alarm) error {
	if a.ID == "" {
		return fmt.Errorf("alarm id is required")
	}
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}

	query := `
		INSERT INTO torcia_alarm_history (
			alarm_id, event_type, severity, source, device_id, message, acknowledged_by, alarm_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		eventType,
		string(a.Severity),
		string(a.Source),
		nullString(a.DeviceID),
		a.Message,
		nullString(a.AcknowledgedBy),
		a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alarm history: %w", err)
	}

	r.logger.Debug("Alarm history recorded",
		zap.String("alarm_id", a.ID),
		zap.String("event_type", eventType),
	)
	return nil
}

// ListAlarmHistory 按条件查询，最新的在前
func (r *AlarmHistoryRepository) ListAlarmHistory(ctx context.Context, filters AlarmHistoryFilters) ([]AlarmHistoryEntry, error) {
	var where []string
	var args []interface{}
	argN := 1

	if filters.AlarmID != nil {
		where = append(where, fmt.Sprintf("alarm_id = $%d", argN))
		args = append(args, *filters.AlarmID)
		argN++
	}
	if filters.Source != nil {
		where = append(where, fmt.Sprintf("source = $%d", argN))
		args = append(args, string(*filters.Source))
		argN++
	}
	if filters.EventType != nil {
		where = append(where, fmt.Sprintf("event_type = $%d", argN))
		args = append(args, *filters.EventType)
		argN++
	}
	if filters.Since != nil {
		where = append(where, fmt.Sprintf("recorded_at >= $%d", argN))
		args = append(args, *filters.Since)
		argN++
	}

	limit := filters.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT
			id,
			alarm_id,
			event_type,
			severity,
			source,
			device_id,
			message,
			acknowledged_by,
			alarm_time,
			recorded_at
		FROM torcia_alarm_history
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY recorded_at DESC, id DESC LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alarm history: %w", err)
	}
	defer rows.Close()

	var entries []AlarmHistoryEntry
	for rows.Next() {
		var e AlarmHistoryEntry
		var severity, source string
		var deviceID, ackBy sql.NullString
		if err := rows.Scan(
			&e.ID,
			&e.AlarmID,
			&e.EventType,
			&severity,
			&source,
			&deviceID,
			&e.Message,
			&ackBy,
			&e.AlarmTime,
			&e.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alarm history: %w", err)
		}
		e.Severity = models.Severity(severity)
		e.Source = models.Source(source)
		e.DeviceID = deviceID.String
		e.AcknowledgedBy = ackBy.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alarm history: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
