package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/LuminPulse-AI/chatsync/internal/metrics"
)

// ============================================================================
// Credential recovery
// ============================================================================
//
// An unauthorized notification starts a refresh followed by a silent reset.
// previousToken holds the token that was live when the last refresh started:
//
//   - empty: first failure since the session was last healthy, refresh.
//   - equal to the live token: the refresh produced nothing new, log out.
//   - otherwise: refresh again, at most MaxRecoveryAttempts times in a row.
//
// A start_ack or data frame on the new transport clears both counters.

// runRecovery is started by the read loop for unauthorized notifications.
func (s *Session) runRecovery() {
	if err := s.recoverAuth(); err != nil {
		s.lost(err)
	}
}

// recoverAuth runs the recovery protocol. A nil return means the session is
// either running on a new transport, closed, or already being recovered by
// another caller.
func (s *Session) recoverAuth() error {
	for {
		s.mu.Lock()
		if s.closed || s.escalated {
			s.mu.Unlock()
			return nil
		}
		if s.inFlight {
			s.mu.Unlock()
			metrics.RealtimeRecoveries.WithLabelValues(string(RecoveryIgnored)).Inc()
			s.dispatcher.emit(RecoveryEvent{Kind: RecoveryIgnored})
			return nil
		}

		current := s.creds.CurrentToken()
		switch {
		case s.previousToken == "":
		case current == s.previousToken:
			s.mu.Unlock()
			s.escalate("refresh produced no new credential")
			return nil
		case s.attempts >= s.cfg.MaxRecoveryAttempts:
			s.mu.Unlock()
			s.escalate("recovery attempts exhausted")
			return nil
		default:
			s.attempts++
			metrics.RealtimeRecoveries.WithLabelValues("retry").Inc()
		}
		s.previousToken = current
		s.inFlight = true
		s.state = StateRecovering
		attempt := s.attempts
		s.mu.Unlock()

		s.logger.Info().Int("attempt", attempt).Msg("refreshing credentials")
		s.dispatcher.emit(RecoveryEvent{Kind: RecoveryRefreshing, Attempt: attempt})

		if _, err := s.creds.FetchAuthToken(s.ctx); err != nil {
			metrics.RealtimeRecoveries.WithLabelValues(string(RecoveryRefreshFailed)).Inc()
			s.dispatcher.emit(RecoveryEvent{Kind: RecoveryRefreshFailed, Attempt: attempt, Err: err})
			s.fail(fmt.Errorf("refresh credentials: %w", err))
			return nil
		}

		err := s.reset(s.ctx, true)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errHandshakeUnauthorized):
			s.clearInFlight()
		case errors.Is(err, ErrMalformedFrame):
			s.fail(err)
			return nil
		case errors.Is(err, ErrClosed):
			return nil
		default:
			s.clearInFlight()
			return err
		}
	}
}

func (s *Session) clearInFlight() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// markHealthy records that the current transport is accepted by the server.
func (s *Session) markHealthy() {
	s.mu.Lock()
	if s.previousToken == "" {
		s.mu.Unlock()
		return
	}
	s.previousToken = ""
	s.attempts = 0
	s.mu.Unlock()

	s.logger.Info().Msg("credentials recovered")
	s.dispatcher.emit(RecoveryEvent{Kind: RecoveryRecovered})
}

// escalate closes the session, logs the account out and drops local state.
// It runs at most once per session.
func (s *Session) escalate(reason string) {
	s.mu.Lock()
	if s.escalated {
		s.mu.Unlock()
		return
	}
	s.escalated = true
	s.mu.Unlock()

	metrics.RealtimeRecoveries.WithLabelValues(string(RecoveryEscalated)).Inc()
	metrics.ForcedLogouts.Inc()
	s.logger.Error().Str("reason", reason).Msg("authorization unrecoverable, logging out")
	s.dispatcher.emit(RecoveryEvent{Kind: RecoveryEscalated, Err: ErrUnauthorized})
	s.shutdown(CloseEvent{Reason: reason, Err: ErrUnauthorized, Fatal: true})

	ctx := context.WithoutCancel(s.ctx)
	if err := s.creds.ForceLogout(ctx); err != nil {
		s.logger.Error().Err(err).Msg("force logout failed")
	}

	s.mu.Lock()
	s.previousToken = ""
	s.attempts = 0
	s.inFlight = false
	s.mu.Unlock()

	if s.unsync != nil {
		if err := s.unsync(ctx); err != nil {
			s.logger.Error().Err(err).Msg("unsync failed")
		}
	}
}
