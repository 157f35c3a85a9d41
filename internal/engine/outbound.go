// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	internal_ari "github.com/rapidaai/voice-engine/internal/ari"
	internal_outbound "github.com/rapidaai/voice-engine/internal/outbound"
	internal_session "github.com/rapidaai/voice-engine/internal/session"
)

// CallDisposition resolves one outbound leg back to the dialer.
type CallDisposition struct {
	Outcome      internal_outbound.AttemptOutcome
	AMD          string
	ConsentDigit string
}

// outboundLeg carries the campaign context from PlaceCall to the leg's
// StasisStart handler.
type outboundLeg struct {
	campaign *internal_outbound.Campaign
	lead     *internal_outbound.Lead
}

// voicemailPlayTimeout bounds the voicemail message drop.
const voicemailPlayTimeout = 60 * time.Second

// PlaceCall implements outbound.CallPlacer: originate the leg, wait for its
// flow to finish, and report the attempt outcome.
func (e *Engine) PlaceCall(ctx context.Context, campaign *internal_outbound.Campaign, lead *internal_outbound.Lead) (internal_outbound.CallResult, error) {
	channelID := "out-" + uuid.NewString()
	disp := make(chan CallDisposition, 1)

	e.mu.Lock()
	e.outboundWaiters[channelID] = disp
	e.pendingOutbound[channelID] = outboundLeg{campaign: campaign, lead: lead}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.outboundWaiters, channelID)
		delete(e.pendingOutbound, channelID)
		e.mu.Unlock()
	}()

	variables := map[string]string{
		"CAMPAIGN_ID": campaign.CampaignID,
		"LEAD_ID":     fmt.Sprintf("%d", lead.ID),
	}
	if _, err := e.ari.Originate(ctx, internal_ari.OriginateParams{
		Endpoint:  trunkEndpoint(campaign.Trunk, lead.PhoneNumber),
		App:       e.cfg.Application,
		AppArgs:   "outbound," + campaign.ContextName,
		CallerID:  campaign.CallerID,
		TimeoutS:  e.cfg.OriginateTimeoutS,
		ChannelID: channelID,
		Variables: variables,
	}); err != nil {
		return internal_outbound.CallResult{CallID: channelID, Outcome: internal_outbound.OutcomeFailed},
			fmt.Errorf("engine: originate %s: %w", lead.PhoneNumber, err)
	}

	// StasisStart fires when the callee answers; no answer within the ring
	// timeout resolves here.
	ringDeadline := time.Duration(e.cfg.OriginateTimeoutS)*time.Second + 10*time.Second
	select {
	case <-ctx.Done():
		return internal_outbound.CallResult{CallID: channelID, Outcome: internal_outbound.OutcomeFailed}, ctx.Err()
	case <-time.After(ringDeadline):
		return internal_outbound.CallResult{CallID: channelID, Outcome: internal_outbound.OutcomeNoAnswer}, nil
	case d := <-disp:
		return internal_outbound.CallResult{
			CallID:       channelID,
			Outcome:      d.Outcome,
			AMDResult:    d.AMD,
			ConsentDigit: d.ConsentDigit,
		}, nil
	}
}

// trunkEndpoint expands the campaign's trunk template with the lead number.
func trunkEndpoint(trunk, number string) string {
	if strings.Contains(trunk, "%s") {
		return fmt.Sprintf(trunk, number)
	}
	return trunk + "/" + number
}

// handleOutboundStasis runs the answered outbound leg: AMD branch, consent
// prompt, then the agent conversation.
func (e *Engine) handleOutboundStasis(ctx context.Context, channel *internal_ari.Channel, contextName string) {
	e.mu.Lock()
	leg, ok := e.pendingOutbound[channel.ID]
	e.mu.Unlock()
	if !ok {
		e.logger.Warnf("outbound stasis for unknown leg %s, hanging up", channel.ID)
		e.ari.Hangup(ctx, channel.ID, "normal")
		return
	}
	campaign := leg.campaign

	consentDigit := ""
	resolve := func(outcome internal_outbound.AttemptOutcome, amd string) {
		e.mu.Lock()
		disp := e.outboundWaiters[channel.ID]
		e.mu.Unlock()
		if disp != nil {
			select {
			case disp <- CallDisposition{Outcome: outcome, AMD: amd, ConsentDigit: consentDigit}:
			default:
			}
		}
	}

	// The dialplan runs AMD() before handing the leg to Stasis; an empty
	// status means AMD was not configured and the callee is assumed human.
	amd, err := e.ari.GetVariable(ctx, channel.ID, "AMDSTATUS")
	if err != nil {
		amd = ""
	}
	if amd != "" && internal_outbound.ResolveAMD(amd) == internal_outbound.BranchVoicemail {
		outcome := internal_outbound.OutcomeMachine
		if campaign.VoicemailMedia != "" {
			if err := e.playAndWait(ctx, channel.ID, campaign.VoicemailMedia, voicemailPlayTimeout); err != nil {
				e.logger.Warnw("voicemail drop failed", "channel", channel.ID, "err", err)
			} else {
				outcome = internal_outbound.OutcomeVoicemailDrop
			}
		}
		e.ari.Hangup(ctx, channel.ID, "normal")
		resolve(outcome, amd)
		return
	}

	if campaign.ConsentPromptEnabled {
		result, digit := e.runConsentPrompt(ctx, channel.ID, campaign.ConsentMedia)
		if digit != 0 {
			consentDigit = string(digit)
		}
		switch result {
		case internal_outbound.ConsentDeclined:
			e.ari.Hangup(ctx, channel.ID, "normal")
			resolve(internal_outbound.OutcomeConsentDenied, amd)
			return
		case internal_outbound.ConsentTimedOut:
			e.ari.Hangup(ctx, channel.ID, "normal")
			resolve(internal_outbound.OutcomeConsentTimeout, amd)
			return
		}
	}

	conn, err := e.attachMedia(ctx, channel.ID)
	if err != nil {
		e.logger.Warnw("outbound media attach failed", "channel", channel.ID, "err", err)
		e.ari.Hangup(ctx, channel.ID, "normal")
		resolve(internal_outbound.OutcomeFailed, amd)
		return
	}

	sess := internal_session.New(channel.ID, campaign.CallerID, leg.lead.PhoneNumber,
		contextName, internal_session.DirectionOutbound)
	mergeLeadVariables(sess, leg.lead.Variables)

	agentCtx, ok := e.contexts[contextName]
	if !ok {
		e.logger.Warnf("no agent context %q for outbound leg %s", contextName, channel.ID)
		conn.Close()
		e.ari.Hangup(ctx, channel.ID, "normal")
		resolve(internal_outbound.OutcomeFailed, amd)
		return
	}

	outcome := e.runCall(ctx, sess, agentCtx, channel.ID, conn)
	resolve(attemptOutcome(outcome), amd)
}

// runConsentPrompt plays the recorded-line prompt while listening for the
// accept/decline keypress. The digit that decided the prompt is returned
// alongside the result, zero on timeout.
func (e *Engine) runConsentPrompt(ctx context.Context, channelID, media string) (internal_outbound.ConsentResult, byte) {
	digits, release := e.awaitDTMF(channelID)
	defer release()

	if media != "" {
		if err := e.ari.Play(ctx, channelID, uuid.NewString(), media); err != nil {
			e.logger.Warnw("consent prompt play failed", "channel", channelID, "err", err)
		}
	}
	return internal_outbound.AwaitConsent(ctx, digits, internal_outbound.DefaultConsentTimeout)
}

// mergeLeadVariables seeds the session's pre-call variable map with the
// lead's JSON variables so prompt substitution can use them.
func mergeLeadVariables(sess *internal_session.CallSession, raw string) {
	if raw == "" {
		return
	}
	var vars map[string]string
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return
	}
	sess.SetPreCallResults(vars)
}

// attemptOutcome maps a session disposition onto the campaign's ledger.
func attemptOutcome(o internal_session.Outcome) internal_outbound.AttemptOutcome {
	switch o {
	case internal_session.OutcomeCompleted, internal_session.OutcomeTransferred:
		return internal_outbound.OutcomeConnected
	case internal_session.OutcomeConsentDenied:
		return internal_outbound.OutcomeConsentDenied
	case internal_session.OutcomeConsentTimeout:
		return internal_outbound.OutcomeConsentTimeout
	case internal_session.OutcomeVoicemailDrop:
		return internal_outbound.OutcomeVoicemailDrop
	case internal_session.OutcomeMachineDetected:
		return internal_outbound.OutcomeMachine
	case internal_session.OutcomeError:
		return internal_outbound.OutcomeFailed
	default:
		return internal_outbound.OutcomeConnected
	}
}
