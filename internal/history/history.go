// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_history persists finished calls. One row per call; the
// heavyweight transcript and tool-call JSON live in detail columns the
// summary queries never touch.
package internal_history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	internal_session "github.com/rapidaai/voice-engine/internal/session"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/connectors"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

// CallRecord is the persisted form of one finished call.
type CallRecord struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	CallID       string    `gorm:"column:call_id;type:varchar(64);not null;uniqueIndex"`
	CallerNumber string    `gorm:"column:caller_number;type:varchar(32);index"`
	CalledNumber string    `gorm:"column:called_number;type:varchar(32)"`
	ContextName  string    `gorm:"column:context_name;type:varchar(64);index"`
	Direction    string    `gorm:"column:direction;type:varchar(16)"`
	Provider     string    `gorm:"column:provider;type:varchar(64);index"`
	Pipeline     string    `gorm:"column:pipeline_components;type:text"`
	AudioProfile string    `gorm:"column:audio_profile;type:varchar(64)"`
	StartTime    time.Time `gorm:"column:start_time;index"`
	EndTime      time.Time `gorm:"column:end_time"`
	DurationSecs float64   `gorm:"column:duration_seconds"`
	Outcome      string    `gorm:"column:outcome;type:varchar(32);index"`
	TransferDest string    `gorm:"column:transfer_destination;type:varchar(128)"`
	ErrorMessage string    `gorm:"column:error_message;type:text"`

	// Detail columns, JSON-encoded, excluded from summary queries.
	Conversation string `gorm:"column:conversation_history;type:text"`
	ToolCalls    string `gorm:"column:tool_calls;type:text"`
	PreCall      string `gorm:"column:pre_call_results;type:text"`
	Metrics      string `gorm:"column:metrics;type:text"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName implements the gorm naming override.
func (CallRecord) TableName() string { return "call_history" }

// summaryColumns is every column except the JSON details.
var summaryColumns = []string{
	"id", "call_id", "caller_number", "called_number", "context_name",
	"direction", "provider", "audio_profile", "start_time", "end_time",
	"duration_seconds", "outcome", "transfer_destination", "error_message",
	"created_at",
}

// Query filters summary listings.
type Query struct {
	CallerNumber string
	ContextName  string
	Provider     string
	Outcome      string
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// Store is the call history persistence interface.
type Store interface {
	Save(ctx context.Context, record *CallRecord) error
	Summaries(ctx context.Context, q Query) ([]CallRecord, error)
	Detail(ctx context.Context, callID string) (*CallRecord, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type sqliteStore struct {
	logger commons.Logger
	conn   connectors.SqliteConnector
}

// NewStore creates the store and migrates the schema.
func NewStore(ctx context.Context, logger commons.Logger, conn connectors.SqliteConnector) (Store, error) {
	db := conn.DB(ctx)
	if err := db.AutoMigrate(&CallRecord{}); err != nil {
		return nil, fmt.Errorf("history migrate: %w", err)
	}
	return &sqliteStore{logger: logger, conn: conn}, nil
}

// FromSession snapshots a finished session into a record.
func FromSession(sess *internal_session.CallSession, endTime time.Time) *CallRecord {
	conversation, _ := json.Marshal(sess.History())
	toolCalls, _ := json.Marshal(sess.ToolCalls())
	preCall, _ := json.Marshal(sess.PreCallResults())
	metrics, _ := json.Marshal(sess.MetricsSnapshot())
	pipeline, _ := json.Marshal(sess.PipelineComponents)

	return &CallRecord{
		CallID:       sess.CallID,
		CallerNumber: sess.CallerNumber,
		CalledNumber: sess.CalledNumber,
		ContextName:  sess.ContextName,
		Direction:    string(sess.Direction),
		Provider:     sess.ProviderName,
		Pipeline:     string(pipeline),
		AudioProfile: sess.AudioProfileName,
		StartTime:    sess.StartTime,
		EndTime:      endTime,
		DurationSecs: endTime.Sub(sess.StartTime).Seconds(),
		Outcome:      string(sess.Outcome()),
		TransferDest: sess.TransferDestination,
		ErrorMessage: sess.ErrorMessage,
		Conversation: string(conversation),
		ToolCalls:    string(toolCalls),
		PreCall:      string(preCall),
		Metrics:      string(metrics),
	}
}

func (s *sqliteStore) Save(ctx context.Context, record *CallRecord) error {
	if err := s.conn.DB(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("history save %s: %w", record.CallID, err)
	}
	return nil
}

// Summaries lists records without the JSON detail columns.
func (s *sqliteStore) Summaries(ctx context.Context, q Query) ([]CallRecord, error) {
	tx := s.conn.DB(ctx).Model(&CallRecord{}).Select(summaryColumns)
	if q.CallerNumber != "" {
		tx = tx.Where("caller_number = ?", q.CallerNumber)
	}
	if q.ContextName != "" {
		tx = tx.Where("context_name = ?", q.ContextName)
	}
	if q.Provider != "" {
		tx = tx.Where("provider = ?", q.Provider)
	}
	if q.Outcome != "" {
		tx = tx.Where("outcome = ?", q.Outcome)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("start_time >= ?", q.Since)
	}
	if !q.Until.IsZero() {
		tx = tx.Where("start_time < ?", q.Until)
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var out []CallRecord
	if err := tx.Order("start_time DESC").Limit(limit).Offset(q.Offset).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("history summaries: %w", err)
	}
	return out, nil
}

// Detail returns one record with every column.
func (s *sqliteStore) Detail(ctx context.Context, callID string) (*CallRecord, error) {
	var record CallRecord
	if err := s.conn.DB(ctx).Where("call_id = ?", callID).First(&record).Error; err != nil {
		return nil, fmt.Errorf("history detail %s: %w", callID, err)
	}
	return &record, nil
}

// DeleteOlderThan removes records whose call started before the cutoff.
func (s *sqliteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.conn.DB(ctx).Where("start_time < ?", cutoff).Delete(&CallRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("history retention delete: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Retention sweeps expired records on a daily schedule.
type Retention struct {
	logger commons.Logger
	store  Store
	keep   time.Duration
	clock  func() time.Time
	every  time.Duration
}

// NewRetention creates a sweeper keeping keepDays of history. Zero keepDays
// disables sweeping.
func NewRetention(logger commons.Logger, store Store, keepDays int) *Retention {
	return &Retention{
		logger: logger,
		store:  store,
		keep:   time.Duration(keepDays) * 24 * time.Hour,
		clock:  time.Now,
		every:  24 * time.Hour,
	}
}

// Run sweeps once immediately and then daily until ctx ends.
func (r *Retention) Run(ctx context.Context) {
	if r.keep <= 0 {
		return
	}
	utils.Go(ctx, func() {
		r.sweep(ctx)
		ticker := time.NewTicker(r.every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	})
}

// Sweep runs one pass, exported for the admin trigger.
func (r *Retention) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.clock().Add(-r.keep)
	return r.store.DeleteOlderThan(ctx, cutoff)
}

func (r *Retention) sweep(ctx context.Context) {
	removed, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Warnw("history retention sweep failed", "err", err)
		return
	}
	if removed > 0 {
		r.logger.Infow("history retention sweep", "removed", removed,
			"keep_days", int(r.keep.Hours()/24))
	}
}
