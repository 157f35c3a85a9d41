// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/connectors"
)

// ErrNoLeads is returned by LeaseNextLead when nothing is dialable.
var ErrNoLeads = errors.New("outbound: no leasable leads")

// Store persists campaigns, leads and attempts.
type Store interface {
	CreateCampaign(ctx context.Context, campaign *Campaign) error
	GetCampaign(ctx context.Context, campaignID string) (*Campaign, error)
	ListCampaigns(ctx context.Context) ([]Campaign, error)
	SetCampaignStatus(ctx context.Context, campaignID string, status CampaignStatus) error
	RunningCampaigns(ctx context.Context) ([]Campaign, error)

	AddLeads(ctx context.Context, campaignID string, leads []Lead) error
	LeaseNextLead(ctx context.Context, campaign *Campaign, ttl time.Duration) (*Lead, error)
	FinishLead(ctx context.Context, lead *Lead, outcome AttemptOutcome, callErr string, maxAttempts int) error
	RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	DialableLeads(ctx context.Context, campaign *Campaign) (int64, error)
	LeasedLeads(ctx context.Context, campaignID string) (int64, error)

	RecordAttempt(ctx context.Context, attempt *Attempt) error
	Attempts(ctx context.Context, campaignID string) ([]Attempt, error)
}

type sqliteStore struct {
	logger commons.Logger
	conn   connectors.SqliteConnector
}

// NewStore creates the store and migrates the three tables.
func NewStore(ctx context.Context, logger commons.Logger, conn connectors.SqliteConnector) (Store, error) {
	if err := conn.DB(ctx).AutoMigrate(&Campaign{}, &Lead{}, &Attempt{}); err != nil {
		return nil, fmt.Errorf("outbound migrate: %w", err)
	}
	return &sqliteStore{logger: logger, conn: conn}, nil
}

func (s *sqliteStore) CreateCampaign(ctx context.Context, campaign *Campaign) error {
	if campaign.Status == "" {
		campaign.Status = CampaignDraft
	}
	if campaign.MaxConcurrent <= 0 {
		campaign.MaxConcurrent = 1
	}
	if campaign.MaxAttempts <= 0 {
		campaign.MaxAttempts = 1
	}
	if campaign.WindowStart != "" || campaign.WindowEnd != "" {
		if _, err := parseClock(campaign.WindowStart); err != nil {
			return err
		}
		if _, err := parseClock(campaign.WindowEnd); err != nil {
			return err
		}
	}
	if campaign.Timezone != "" {
		if _, err := time.LoadLocation(campaign.Timezone); err != nil {
			return fmt.Errorf("outbound create campaign %s: unknown timezone %q", campaign.CampaignID, campaign.Timezone)
		}
	}
	if err := s.conn.DB(ctx).Create(campaign).Error; err != nil {
		return fmt.Errorf("outbound create campaign %s: %w", campaign.CampaignID, err)
	}
	return nil
}

func (s *sqliteStore) GetCampaign(ctx context.Context, campaignID string) (*Campaign, error) {
	var campaign Campaign
	if err := s.conn.DB(ctx).Where("campaign_id = ?", campaignID).First(&campaign).Error; err != nil {
		return nil, fmt.Errorf("outbound campaign %s: %w", campaignID, err)
	}
	return &campaign, nil
}

func (s *sqliteStore) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	var out []Campaign
	if err := s.conn.DB(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("outbound list campaigns: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) SetCampaignStatus(ctx context.Context, campaignID string, status CampaignStatus) error {
	res := s.conn.DB(ctx).Model(&Campaign{}).
		Where("campaign_id = ?", campaignID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("outbound set status %s: %w", campaignID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("outbound set status: campaign %s not found", campaignID)
	}
	return nil
}

func (s *sqliteStore) RunningCampaigns(ctx context.Context) ([]Campaign, error) {
	var out []Campaign
	if err := s.conn.DB(ctx).Where("status = ?", CampaignRunning).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("outbound running campaigns: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) AddLeads(ctx context.Context, campaignID string, leads []Lead) error {
	if len(leads) == 0 {
		return nil
	}
	for i := range leads {
		leads[i].CampaignID = campaignID
		leads[i].Status = LeadPending
	}
	if err := s.conn.DB(ctx).Create(&leads).Error; err != nil {
		return fmt.Errorf("outbound add leads %s: %w", campaignID, err)
	}
	return nil
}

// LeaseNextLead claims the oldest dialable lead. The select and the guarded
// update run in one transaction; the status predicate on the update catches a
// concurrent claim, in which case the next candidate is tried. Leads are only
// leased while the campaign's calling window is open, so a paused window
// never strands a lease.
func (s *sqliteStore) LeaseNextLead(ctx context.Context, campaign *Campaign, ttl time.Duration) (*Lead, error) {
	if !campaign.WindowOpen(time.Now()) {
		return nil, ErrNoLeads
	}
	var leased *Lead
	err := s.conn.DB(ctx).Transaction(func(tx *gorm.DB) error {
		for {
			var lead Lead
			err := tx.Where("campaign_id = ? AND status = ? AND attempts < ?",
				campaign.CampaignID, LeadPending, campaign.MaxAttempts).
				Order("id ASC").First(&lead).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoLeads
			}
			if err != nil {
				return err
			}

			expires := time.Now().UTC().Add(ttl)
			res := tx.Model(&Lead{}).
				Where("id = ? AND status = ?", lead.ID, LeadPending).
				Updates(map[string]interface{}{
					"status":           LeadLeased,
					"attempts":         gorm.Expr("attempts + 1"),
					"lease_expires_at": expires,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Claimed by another worker between select and update.
				continue
			}
			lead.Status = LeadLeased
			lead.Attempts++
			lead.LeaseExpiresAt = &expires
			leased = &lead
			return nil
		}
	})
	if err != nil {
		if errors.Is(err, ErrNoLeads) {
			return nil, ErrNoLeads
		}
		return nil, fmt.Errorf("outbound lease %s: %w", campaign.CampaignID, err)
	}
	return leased, nil
}

// FinishLead releases a leased lead. Terminal outcomes mark it done; the rest
// requeue it until the attempt budget is spent.
func (s *sqliteStore) FinishLead(ctx context.Context, lead *Lead, outcome AttemptOutcome, callErr string, maxAttempts int) error {
	status := LeadPending
	switch {
	case terminalOutcome(outcome):
		status = LeadDone
	case lead.Attempts >= maxAttempts:
		status = LeadFailed
	}
	res := s.conn.DB(ctx).Model(&Lead{}).
		Where("id = ? AND status = ?", lead.ID, LeadLeased).
		Updates(map[string]interface{}{
			"status":           status,
			"lease_expires_at": nil,
			"last_outcome":     string(outcome),
			"last_error":       callErr,
		})
	if res.Error != nil {
		return fmt.Errorf("outbound finish lead %d: %w", lead.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("outbound finish lead %d: lease already released", lead.ID)
	}
	lead.Status = status
	lead.LastOutcome = string(outcome)
	lead.LeaseExpiresAt = nil
	return nil
}

// RecoverExpiredLeases returns abandoned leases to the pending pool. A lease
// only expires when its holder crashed mid-dial.
func (s *sqliteStore) RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res := s.conn.DB(ctx).Model(&Lead{}).
		Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", LeadLeased, now).
		Updates(map[string]interface{}{
			"status":           LeadPending,
			"lease_expires_at": nil,
			"last_error":       "lease expired",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("outbound recover leases: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DialableLeads counts leads still eligible for a dial.
func (s *sqliteStore) DialableLeads(ctx context.Context, campaign *Campaign) (int64, error) {
	var n int64
	err := s.conn.DB(ctx).Model(&Lead{}).
		Where("campaign_id = ? AND status = ? AND attempts < ?",
			campaign.CampaignID, LeadPending, campaign.MaxAttempts).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("outbound dialable count: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) LeasedLeads(ctx context.Context, campaignID string) (int64, error) {
	var n int64
	err := s.conn.DB(ctx).Model(&Lead{}).
		Where("campaign_id = ? AND status = ?", campaignID, LeadLeased).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("outbound leased count: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) RecordAttempt(ctx context.Context, attempt *Attempt) error {
	if err := s.conn.DB(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("outbound record attempt: %w", err)
	}
	return nil
}

func (s *sqliteStore) Attempts(ctx context.Context, campaignID string) ([]Attempt, error) {
	var out []Attempt
	if err := s.conn.DB(ctx).Where("campaign_id = ?", campaignID).
		Order("started_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("outbound attempts %s: %w", campaignID, err)
	}
	return out, nil
}
