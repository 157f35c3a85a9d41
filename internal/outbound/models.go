// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_outbound runs dialing campaigns: leads are leased one at
// a time under a TTL so a crashed worker never strands them, dials are paced
// against the campaign's concurrency and interval limits, and answered calls
// branch on answering machine detection before a human ever hears the agent.
package internal_outbound

import (
	"fmt"
	"time"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// LeadStatus is the lifecycle state of one dialable number.
type LeadStatus string

const (
	LeadPending LeadStatus = "pending"
	LeadLeased  LeadStatus = "leased"
	LeadDone    LeadStatus = "done"
	LeadFailed  LeadStatus = "failed"
)

// AttemptOutcome is the terminal result of one dial attempt.
type AttemptOutcome string

const (
	OutcomeConnected      AttemptOutcome = "connected"
	OutcomeNoAnswer       AttemptOutcome = "no_answer"
	OutcomeBusy           AttemptOutcome = "busy"
	OutcomeFailed         AttemptOutcome = "failed"
	OutcomeMachine        AttemptOutcome = "machine_detected"
	OutcomeVoicemailDrop  AttemptOutcome = "voicemail_dropped"
	OutcomeConsentDenied  AttemptOutcome = "consent_denied"
	OutcomeConsentTimeout AttemptOutcome = "consent_timeout"
)

// Campaign is one outbound dialing effort.
type Campaign struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	CampaignID string `gorm:"column:campaign_id;type:varchar(64);not null;uniqueIndex"`
	Name       string `gorm:"column:name;type:varchar(128)"`
	// ContextName selects the agent configuration answered calls run under.
	ContextName string         `gorm:"column:context_name;type:varchar(64);not null"`
	CallerID    string         `gorm:"column:caller_id;type:varchar(32)"`
	Trunk       string         `gorm:"column:trunk;type:varchar(64);not null"`
	Status      CampaignStatus `gorm:"column:status;type:varchar(16);index"`

	// MaxConcurrent caps simultaneous live calls for this campaign.
	MaxConcurrent int `gorm:"column:max_concurrent"`
	// MinIntervalMs spaces dial starts; trunk providers rate limit.
	MinIntervalMs int `gorm:"column:min_interval_ms"`
	// MaxAttempts bounds redials per lead.
	MaxAttempts int `gorm:"column:max_attempts"`

	// ConsentPromptEnabled plays the recorded-line prompt and waits for a
	// keypress before connecting the agent.
	ConsentPromptEnabled bool `gorm:"column:consent_prompt_enabled"`
	// ConsentMedia is the prompt sound played when consent is enabled.
	ConsentMedia string `gorm:"column:consent_media;type:varchar(128)"`
	// VoicemailMedia is the sound played into detected machines, empty to
	// just hang up.
	VoicemailMedia string `gorm:"column:voicemail_media;type:varchar(128)"`

	// Timezone is the IANA zone the calling window is evaluated in. Empty
	// falls back to UTC.
	Timezone string `gorm:"column:timezone;type:varchar(64)"`
	// WindowStart and WindowEnd bound when leads may be dialed, "HH:MM"
	// local to Timezone. Both empty means no window; start after end wraps
	// past midnight.
	WindowStart string `gorm:"column:window_start;type:varchar(8)"`
	WindowEnd   string `gorm:"column:window_end;type:varchar(8)"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Campaign) TableName() string { return "outbound_campaigns" }

// WindowOpen reports whether now falls inside the campaign's calling
// window. The window is half-open: a 09:00-17:00 campaign dials at 16:59
// and holds at 17:00. Equal start and end never open.
func (c *Campaign) WindowOpen(now time.Time) bool {
	if c.WindowStart == "" && c.WindowEnd == "" {
		return true
	}
	start, err := parseClock(c.WindowStart)
	if err != nil {
		return false
	}
	end, err := parseClock(c.WindowEnd)
	if err != nil {
		return false
	}

	loc := time.UTC
	if c.Timezone != "" {
		if l, err := time.LoadLocation(c.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start < end {
		return minute >= start && minute < end
	}
	if start > end {
		// Overnight window, e.g. 22:00-02:00.
		return minute >= start || minute < end
	}
	return false
}

// parseClock converts "HH:MM" to minutes past midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("outbound: invalid clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("outbound: invalid clock %q", s)
	}
	return h*60 + m, nil
}

// Lead is one number in a campaign.
type Lead struct {
	ID          uint       `gorm:"primaryKey;autoIncrement"`
	CampaignID  string     `gorm:"column:campaign_id;type:varchar(64);not null;index:idx_lead_campaign_status"`
	PhoneNumber string     `gorm:"column:phone_number;type:varchar(32);not null"`
	Status      LeadStatus `gorm:"column:status;type:varchar(16);index:idx_lead_campaign_status"`
	Attempts    int        `gorm:"column:attempts"`
	// LeaseExpiresAt bounds how long a worker may sit on the lead.
	LeaseExpiresAt *time.Time `gorm:"column:lease_expires_at;index"`
	LastOutcome    string     `gorm:"column:last_outcome;type:varchar(32)"`
	LastError      string     `gorm:"column:last_error;type:text"`
	// Variables is JSON merged into the call's substitution variables.
	Variables string `gorm:"column:variables;type:text"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Lead) TableName() string { return "outbound_leads" }

// Attempt is the audit record of one dial.
type Attempt struct {
	ID         uint           `gorm:"primaryKey;autoIncrement"`
	CampaignID string         `gorm:"column:campaign_id;type:varchar(64);index"`
	LeadID     uint           `gorm:"column:lead_id;index"`
	CallID     string         `gorm:"column:call_id;type:varchar(64)"`
	StartedAt  time.Time      `gorm:"column:started_at"`
	EndedAt    time.Time      `gorm:"column:ended_at"`
	Outcome    AttemptOutcome `gorm:"column:outcome;type:varchar(32)"`
	AMDResult  string         `gorm:"column:amd_result;type:varchar(16)"`
	// ConsentDigit is the keypress from the recorded-line prompt, "1"
	// accepted, "2" declined, empty when no prompt ran or it timed out.
	ConsentDigit string `gorm:"column:consent_digit;type:varchar(1)"`
}

func (Attempt) TableName() string { return "outbound_attempts" }

// terminalOutcome reports whether the lead should not be redialed. A
// consent decline leaves the lead recyclable; the attempt budget still
// bounds total dials.
func terminalOutcome(o AttemptOutcome) bool {
	switch o {
	case OutcomeConnected, OutcomeVoicemailDrop:
		return true
	}
	return false
}
