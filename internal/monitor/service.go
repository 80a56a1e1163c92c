// Package monitor 把交易事件写入 sqlite 供 /events 查询。
package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/store"
)

// Service 负责持久化监控事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
		now:    time.Now,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	trader TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_trader ON monitor_events(trader);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, trader, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.Trader, string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) record(ctx context.Context, trader string, typ EventType, payload interface{}) {
	if err := s.Record(ctx, Event{
		Type:      typ,
		Trader:    trader,
		Timestamp: s.now().UTC(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// RecordLedger 记录现金余额。
func (s *Service) RecordLedger(ctx context.Context, trader string, payload LedgerPayload) {
	s.record(ctx, trader, EventLedger, payload)
}

// RecordSignal 记录信号。
func (s *Service) RecordSignal(ctx context.Context, trader string, payload SignalPayload) {
	s.record(ctx, trader, EventSignal, payload)
}

// RecordOrder 记录下单。
func (s *Service) RecordOrder(ctx context.Context, trader string, payload OrderPayload) {
	s.record(ctx, trader, EventOrder, payload)
}

// RecordCancellation 记录撤单。
func (s *Service) RecordCancellation(ctx context.Context, trader string, payload CancellationPayload) {
	s.record(ctx, trader, EventCancellation, payload)
}

// RecordRun 记录交易周期结果。
func (s *Service) RecordRun(ctx context.Context, trader string, payload RunPayload) {
	s.record(ctx, trader, EventRun, payload)
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, trader, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	s.record(ctx, trader, EventError, payload)
}

// ListEvents 按类型检索最近事件，eventType 为空时返回全部类型。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, trader, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			trader  string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &trader, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = s.now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Trader:    trader,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
