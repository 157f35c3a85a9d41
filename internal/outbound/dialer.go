// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_outbound

import (
	"context"
	"errors"
	"sync"
	"time"

	internal_observe "github.com/rapidaai/voice-engine/internal/observe"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

const (
	// leaseTTL bounds how long a dial may hold a lead before the recovery
	// sweep reclaims it. Covers ring timeout plus a long agent call.
	leaseTTL = 30 * time.Minute

	recoverEvery = time.Minute
	pollEvery    = time.Second
)

// CallResult is what one placed call resolved to.
type CallResult struct {
	CallID       string
	Outcome      AttemptOutcome
	AMDResult    string
	ConsentDigit string
}

// CallPlacer originates a call for a lead and drives it to completion. The
// engine implements this; the dialer never touches media.
type CallPlacer interface {
	PlaceCall(ctx context.Context, campaign *Campaign, lead *Lead) (CallResult, error)
}

// Dialer paces lead dials for every running campaign.
type Dialer struct {
	logger  commons.Logger
	store   Store
	placer  CallPlacer
	metrics *internal_observe.Metrics
	clock   func() time.Time

	mu       sync.Mutex
	inflight map[string]int       // campaignID -> live calls
	lastDial map[string]time.Time // campaignID -> last originate

	wg sync.WaitGroup
}

// DialerOption adjusts construction, used by tests.
type DialerOption func(*Dialer)

// WithClock overrides the pacing clock.
func WithClock(clock func() time.Time) DialerOption {
	return func(d *Dialer) { d.clock = clock }
}

// NewDialer wires the campaign worker.
func NewDialer(logger commons.Logger, store Store, placer CallPlacer, metrics *internal_observe.Metrics, opts ...DialerOption) *Dialer {
	d := &Dialer{
		logger:   logger,
		store:    store,
		placer:   placer,
		metrics:  metrics,
		clock:    time.Now,
		inflight: make(map[string]int),
		lastDial: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run polls running campaigns and sweeps expired leases until ctx ends. It
// blocks; callers launch it with utils.Go.
func (d *Dialer) Run(ctx context.Context) {
	// Leases left over from a crash are reclaimed before dialing anything.
	if n, err := d.store.RecoverExpiredLeases(ctx, d.clock().UTC()); err != nil {
		d.logger.Warnw("outbound lease recovery failed", "err", err)
	} else if n > 0 {
		d.logger.Infow("outbound recovered stranded leases", "count", n)
	}

	poll := time.NewTicker(pollEvery)
	defer poll.Stop()
	sweep := time.NewTicker(recoverEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-sweep.C:
			if n, err := d.store.RecoverExpiredLeases(ctx, d.clock().UTC()); err != nil {
				d.logger.Warnw("outbound lease recovery failed", "err", err)
			} else if n > 0 {
				d.logger.Warnw("outbound recovered stranded leases", "count", n)
			}
		case <-poll.C:
			d.tick(ctx)
		}
	}
}

// Tick runs one scheduling pass, exported for tests.
func (d *Dialer) Tick(ctx context.Context) { d.tick(ctx) }

func (d *Dialer) tick(ctx context.Context) {
	campaigns, err := d.store.RunningCampaigns(ctx)
	if err != nil {
		d.logger.Warnw("outbound campaign poll failed", "err", err)
		return
	}
	for i := range campaigns {
		d.schedule(ctx, &campaigns[i])
	}
}

// schedule starts at most one dial per pass per campaign, respecting the
// concurrency cap and the minimum interval between originates.
func (d *Dialer) schedule(ctx context.Context, campaign *Campaign) {
	if !campaign.WindowOpen(d.clock()) {
		return
	}
	if !d.reserveSlot(campaign) {
		return
	}

	lead, err := d.store.LeaseNextLead(ctx, campaign, leaseTTL)
	if errors.Is(err, ErrNoLeads) {
		d.releaseSlot(campaign.CampaignID)
		d.maybeComplete(ctx, campaign)
		return
	}
	if err != nil {
		d.releaseSlot(campaign.CampaignID)
		d.logger.Warnw("outbound lease failed", "campaign", campaign.CampaignID, "err", err)
		return
	}

	d.wg.Add(1)
	utils.Go(ctx, func() {
		defer d.wg.Done()
		d.dial(ctx, campaign, lead)
		d.releaseSlot(campaign.CampaignID)
		d.maybeComplete(ctx, campaign)
	})
}

// reserveSlot claims a concurrency slot and stamps the pacing clock, or
// reports the campaign is not dialable right now.
func (d *Dialer) reserveSlot(campaign *Campaign) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inflight[campaign.CampaignID] >= campaign.MaxConcurrent {
		return false
	}
	minInterval := time.Duration(campaign.MinIntervalMs) * time.Millisecond
	if last, ok := d.lastDial[campaign.CampaignID]; ok && d.clock().Sub(last) < minInterval {
		return false
	}
	d.inflight[campaign.CampaignID]++
	d.lastDial[campaign.CampaignID] = d.clock()
	return true
}

func (d *Dialer) releaseSlot(campaignID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[campaignID] > 0 {
		d.inflight[campaignID]--
	}
}

// Inflight reports live calls for a campaign.
func (d *Dialer) Inflight(campaignID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[campaignID]
}

func (d *Dialer) dial(ctx context.Context, campaign *Campaign, lead *Lead) {
	started := d.clock().UTC()
	d.logger.Infow("outbound dialing lead",
		"campaign", campaign.CampaignID, "lead", lead.ID,
		"number", lead.PhoneNumber, "attempt", lead.Attempts)

	result, err := d.placer.PlaceCall(ctx, campaign, lead)
	callErr := ""
	if err != nil {
		callErr = err.Error()
		if result.Outcome == "" {
			result.Outcome = OutcomeFailed
		}
	}

	if err := d.store.FinishLead(ctx, lead, result.Outcome, callErr, campaign.MaxAttempts); err != nil {
		d.logger.Warnw("outbound finish lead failed", "lead", lead.ID, "err", err)
	}
	if err := d.store.RecordAttempt(ctx, &Attempt{
		CampaignID:   campaign.CampaignID,
		LeadID:       lead.ID,
		CallID:       result.CallID,
		StartedAt:    started,
		EndedAt:      d.clock().UTC(),
		Outcome:      result.Outcome,
		AMDResult:    result.AMDResult,
		ConsentDigit: result.ConsentDigit,
	}); err != nil {
		d.logger.Warnw("outbound record attempt failed", "lead", lead.ID, "err", err)
	}
	if d.metrics != nil {
		d.metrics.RecordOutboundCall(ctx, string(result.Outcome))
	}
}

// maybeComplete marks the campaign completed when nothing is dialable and no
// call is in flight.
func (d *Dialer) maybeComplete(ctx context.Context, campaign *Campaign) {
	if d.Inflight(campaign.CampaignID) > 0 {
		return
	}
	pending, err := d.store.DialableLeads(ctx, campaign)
	if err != nil || pending > 0 {
		return
	}
	leased, err := d.store.LeasedLeads(ctx, campaign.CampaignID)
	if err != nil || leased > 0 {
		return
	}
	if err := d.store.SetCampaignStatus(ctx, campaign.CampaignID, CampaignCompleted); err != nil {
		d.logger.Warnw("outbound complete campaign failed", "campaign", campaign.CampaignID, "err", err)
		return
	}
	d.logger.Infow("outbound campaign completed", "campaign", campaign.CampaignID)
}
