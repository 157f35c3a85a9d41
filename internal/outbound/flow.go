// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_outbound

import (
	"context"
	"strings"
	"time"
)

// Branch is what an answered outbound call does next.
type Branch string

const (
	// BranchAgent connects the AI agent, via the consent prompt when the
	// campaign requires one.
	BranchAgent Branch = "agent"
	// BranchVoicemail drops the voicemail message and hangs up.
	BranchVoicemail Branch = "voicemail"
)

// ResolveAMD maps Asterisk's AMDSTATUS channel variable to a branch. NOTSURE
// and a missing result are treated as a machine; a false positive there costs
// one voicemail, a false negative greets a human with silence.
func ResolveAMD(amdStatus string) Branch {
	switch strings.ToUpper(strings.TrimSpace(amdStatus)) {
	case "HUMAN":
		return BranchAgent
	default:
		return BranchVoicemail
	}
}

// ConsentResult is the outcome of the recorded-line consent prompt.
type ConsentResult int

const (
	ConsentAccepted ConsentResult = iota
	ConsentDeclined
	ConsentTimedOut
)

const (
	consentAcceptDigit  = '1'
	consentDeclineDigit = '2'

	// DefaultConsentTimeout is how long the prompt waits for a keypress.
	DefaultConsentTimeout = 10 * time.Second
)

// AwaitConsent reads DTMF until the callee accepts, declines, or the timeout
// elapses. Digits other than 1 and 2 are ignored so a stray keypress does not
// end the call. The deciding digit comes back with the result for the attempt
// audit trail; a timeout returns zero.
func AwaitConsent(ctx context.Context, digits <-chan byte, timeout time.Duration) (ConsentResult, byte) {
	if timeout <= 0 {
		timeout = DefaultConsentTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ConsentTimedOut, 0
		case <-timer.C:
			return ConsentTimedOut, 0
		case digit, ok := <-digits:
			if !ok {
				return ConsentTimedOut, 0
			}
			switch digit {
			case consentAcceptDigit:
				return ConsentAccepted, digit
			case consentDeclineDigit:
				return ConsentDeclined, digit
			}
		}
	}
}
