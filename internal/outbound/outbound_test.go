package internal_outbound

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/connectors"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	conn, err := connectors.NewSqliteConnector(connectors.SqliteConfig{
		Path: filepath.Join(t.TempDir(), "outbound.db"),
	}, commons.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store, err := NewStore(context.Background(), commons.NewNopLogger(), conn)
	require.NoError(t, err)
	return store
}

func seedCampaign(t *testing.T, store Store, numbers ...string) *Campaign {
	t.Helper()
	ctx := context.Background()
	campaign := &Campaign{
		CampaignID:    "camp-1",
		Name:          "renewal outreach",
		ContextName:   "sales",
		Trunk:         "PJSIP/%s@trunk",
		Status:        CampaignRunning,
		MaxConcurrent: 2,
		MaxAttempts:   2,
	}
	require.NoError(t, store.CreateCampaign(ctx, campaign))

	leads := make([]Lead, 0, len(numbers))
	for _, n := range numbers {
		leads = append(leads, Lead{PhoneNumber: n})
	}
	require.NoError(t, store.AddLeads(ctx, campaign.CampaignID, leads))
	return campaign
}

func TestLeaseNextLead_NeverDoubleLeases(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, "+15550000001", "+15550000002", "+15550000003")
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[uint]int)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lead, err := store.LeaseNextLead(ctx, campaign, time.Minute)
			if err != nil {
				return
			}
			mu.Lock()
			seen[lead.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, 3, "all three leads should be claimed")
	for id, n := range seen {
		assert.Equal(t, 1, n, "lead %d leased more than once", id)
	}

	_, err := store.LeaseNextLead(ctx, campaign, time.Minute)
	assert.ErrorIs(t, err, ErrNoLeads)
}

func TestFinishLead_RequeuesUntilAttemptBudgetSpent(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, "+15550000001")
	ctx := context.Background()

	lead, err := store.LeaseNextLead(ctx, campaign, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, lead.Attempts)

	require.NoError(t, store.FinishLead(ctx, lead, OutcomeNoAnswer, "", campaign.MaxAttempts))
	assert.Equal(t, LeadPending, lead.Status, "non-terminal outcome requeues")

	lead, err = store.LeaseNextLead(ctx, campaign, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, lead.Attempts)

	require.NoError(t, store.FinishLead(ctx, lead, OutcomeNoAnswer, "", campaign.MaxAttempts))
	assert.Equal(t, LeadFailed, lead.Status, "attempt budget spent")

	_, err = store.LeaseNextLead(ctx, campaign, time.Minute)
	assert.ErrorIs(t, err, ErrNoLeads)
}

func TestFinishLead_TerminalOutcomeStopsRedials(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, "+15550000001")
	ctx := context.Background()

	lead, err := store.LeaseNextLead(ctx, campaign, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.FinishLead(ctx, lead, OutcomeConnected, "", campaign.MaxAttempts))
	assert.Equal(t, LeadDone, lead.Status)

	_, err = store.LeaseNextLead(ctx, campaign, time.Minute)
	assert.ErrorIs(t, err, ErrNoLeads)
}

func TestFinishLead_ConsentDeniedStaysRecyclable(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, "+15550000001")
	ctx := context.Background()

	lead, err := store.LeaseNextLead(ctx, campaign, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.FinishLead(ctx, lead, OutcomeConsentDenied, "", campaign.MaxAttempts))
	assert.Equal(t, LeadPending, lead.Status)
	assert.Equal(t, string(OutcomeConsentDenied), lead.LastOutcome)
}

func TestRecoverExpiredLeases(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, "+15550000001", "+15550000002")
	ctx := context.Background()

	expired, err := store.LeaseNextLead(ctx, campaign, -time.Minute)
	require.NoError(t, err)
	_, err = store.LeaseNextLead(ctx, campaign, time.Hour)
	require.NoError(t, err)

	recovered, err := store.RecoverExpiredLeases(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered, "only the expired lease is reclaimed")

	again, err := store.LeaseNextLead(ctx, campaign, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, expired.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

// scriptedPlacer resolves each call immediately with a fixed outcome.
type scriptedPlacer struct {
	mu           sync.Mutex
	placed       []string
	outcome      AttemptOutcome
	amd          string
	consentDigit string
}

func (p *scriptedPlacer) PlaceCall(ctx context.Context, campaign *Campaign, lead *Lead) (CallResult, error) {
	p.mu.Lock()
	p.placed = append(p.placed, lead.PhoneNumber)
	p.mu.Unlock()
	return CallResult{
		CallID:       "call-" + lead.PhoneNumber,
		Outcome:      p.outcome,
		AMDResult:    p.amd,
		ConsentDigit: p.consentDigit,
	}, nil
}

func (p *scriptedPlacer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.placed)
}

func TestDialer_DrainsCampaignToCompletion(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, "+15550000001", "+15550000002", "+15550000003")
	ctx := context.Background()

	placer := &scriptedPlacer{outcome: OutcomeConnected, amd: "HUMAN"}
	dialer := NewDialer(commons.NewNopLogger(), store, placer, nil)

	for i := 0; i < 10 && placer.count() < 3; i++ {
		dialer.Tick(ctx)
		require.Eventually(t, func() bool { return dialer.Inflight(campaign.CampaignID) == 0 },
			time.Second, 5*time.Millisecond)
	}
	// One more pass to observe the empty pool and close the campaign.
	dialer.Tick(ctx)

	assert.Equal(t, 3, placer.count())

	updated, err := store.GetCampaign(ctx, campaign.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, CampaignCompleted, updated.Status)

	attempts, err := store.Attempts(ctx, campaign.CampaignID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, OutcomeConnected, attempts[0].Outcome)
	assert.Equal(t, "HUMAN", attempts[0].AMDResult)
}

func TestDialer_MinIntervalPacesOriginates(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, "+15550000001", "+15550000002")
	campaign.MinIntervalMs = int(time.Hour / time.Millisecond)
	require.NoError(t, store.SetCampaignStatus(context.Background(), campaign.CampaignID, CampaignRunning))
	ctx := context.Background()

	// The stored campaign row still has the default interval, so drive the
	// dialer with the in-memory campaign through schedule.
	placer := &scriptedPlacer{outcome: OutcomeNoAnswer}
	now := time.Now()
	dialer := NewDialer(commons.NewNopLogger(), store, placer, nil,
		WithClock(func() time.Time { return now }))

	dialer.schedule(ctx, campaign)
	require.Eventually(t, func() bool { return placer.count() == 1 }, time.Second, 5*time.Millisecond)

	// Same instant: interval not elapsed, second lead must wait.
	dialer.schedule(ctx, campaign)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, placer.count())

	now = now.Add(2 * time.Hour)
	dialer.schedule(ctx, campaign)
	require.Eventually(t, func() bool { return placer.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestResolveAMD(t *testing.T) {
	assert.Equal(t, BranchAgent, ResolveAMD("HUMAN"))
	assert.Equal(t, BranchAgent, ResolveAMD(" human "))
	assert.Equal(t, BranchVoicemail, ResolveAMD("MACHINE"))
	assert.Equal(t, BranchVoicemail, ResolveAMD("NOTSURE"))
	assert.Equal(t, BranchVoicemail, ResolveAMD(""))
}

func TestAwaitConsent(t *testing.T) {
	ctx := context.Background()

	digits := make(chan byte, 4)
	digits <- '5' // ignored
	digits <- '1'
	result, digit := AwaitConsent(ctx, digits, time.Second)
	assert.Equal(t, ConsentAccepted, result)
	assert.Equal(t, byte('1'), digit)

	digits2 := make(chan byte, 1)
	digits2 <- '2'
	result, digit = AwaitConsent(ctx, digits2, time.Second)
	assert.Equal(t, ConsentDeclined, result)
	assert.Equal(t, byte('2'), digit)

	result, digit = AwaitConsent(ctx, make(chan byte), 20*time.Millisecond)
	assert.Equal(t, ConsentTimedOut, result)
	assert.Zero(t, digit)
}

func TestCampaignWindowOpen(t *testing.T) {
	day := func(hour, min int) time.Time {
		return time.Date(2026, 1, 5, hour, min, 0, 0, time.UTC)
	}

	business := &Campaign{Timezone: "America/New_York", WindowStart: "09:00", WindowEnd: "17:00"}
	// 21:59 UTC is 16:59 in New York, the last dialable minute.
	assert.True(t, business.WindowOpen(day(21, 59)))
	assert.False(t, business.WindowOpen(day(22, 0)), "window end is exclusive")
	assert.False(t, business.WindowOpen(day(3, 0)))

	overnight := &Campaign{WindowStart: "22:00", WindowEnd: "02:00"}
	assert.True(t, overnight.WindowOpen(day(23, 0)))
	assert.True(t, overnight.WindowOpen(day(1, 30)))
	assert.False(t, overnight.WindowOpen(day(12, 0)))

	open := &Campaign{}
	assert.True(t, open.WindowOpen(day(3, 0)), "no window means always dialable")

	closed := &Campaign{WindowStart: "00:00", WindowEnd: "00:00"}
	assert.False(t, closed.WindowOpen(day(12, 0)), "equal start and end never opens")

	broken := &Campaign{WindowStart: "25:99", WindowEnd: "17:00"}
	assert.False(t, broken.WindowOpen(day(12, 0)))
}

func TestDialer_ClosedWindowHoldsDialing(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, "+15550000001")
	campaign.WindowStart = "00:00"
	campaign.WindowEnd = "00:00"

	placer := &scriptedPlacer{outcome: OutcomeConnected}
	dialer := NewDialer(commons.NewNopLogger(), store, placer, nil)

	dialer.schedule(context.Background(), campaign)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, placer.count(), "a running campaign outside its window never dials")
}

func TestLeaseNextLead_ClosedWindowYieldsNoLeads(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, "+15550000001")
	campaign.WindowStart = "00:00"
	campaign.WindowEnd = "00:00"

	_, err := store.LeaseNextLead(context.Background(), campaign, time.Minute)
	assert.ErrorIs(t, err, ErrNoLeads)
}

func TestCreateCampaign_RejectsBadWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.CreateCampaign(ctx, &Campaign{
		CampaignID: "bad-clock", ContextName: "sales", Trunk: "PJSIP/%s@trunk",
		WindowStart: "9am", WindowEnd: "17:00",
	}))
	assert.Error(t, store.CreateCampaign(ctx, &Campaign{
		CampaignID: "bad-zone", ContextName: "sales", Trunk: "PJSIP/%s@trunk",
		Timezone: "Mars/Olympus",
	}))
}

func TestDialer_RecordsConsentDigitOnAttempt(t *testing.T) {
	store := newTestStore(t)
	campaign := seedCampaign(t, store, "+15550000001")
	ctx := context.Background()

	placer := &scriptedPlacer{outcome: OutcomeConsentDenied, consentDigit: "2"}
	dialer := NewDialer(commons.NewNopLogger(), store, placer, nil)

	dialer.Tick(ctx)
	require.Eventually(t, func() bool { return dialer.Inflight(campaign.CampaignID) == 0 },
		time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		attempts, err := store.Attempts(ctx, campaign.CampaignID)
		return err == nil && len(attempts) == 1
	}, time.Second, 5*time.Millisecond)

	attempts, err := store.Attempts(ctx, campaign.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConsentDenied, attempts[0].Outcome)
	assert.Equal(t, "2", attempts[0].ConsentDigit)

	// A declined lead stays recyclable within the attempt budget.
	lead, err := store.LeaseNextLead(ctx, campaign, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, lead.Attempts)
}
