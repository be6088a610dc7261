package session

import (
	"fmt"

	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// reconnect relaunches a disconnected tenant up to ReconnectAttempts times.
// Attempts are counted on the session and only reset on READY, so a client
// that keeps dropping before it is ready still exhausts the budget.
func (s *Supervisor) reconnect(tenantID string) {
	for {
		var attempt int
		exhausted := false
		s.registry.Update(tenantID, func(ts *TenantSession) {
			if ts.ReconnectAttempts >= s.cfg.ReconnectAttempts {
				exhausted = true
				return
			}
			ts.ReconnectAttempts++
			attempt = ts.ReconnectAttempts
		})

		if exhausted {
			s.exhaust(tenantID, s.cfg.ReconnectAttempts)
			return
		}

		log.Info().Str("tenantId", tenantID).Int("attempt", attempt).Int("maxAttempts", s.cfg.ReconnectAttempts).Msg("reconnection attempt")
		s.transition(tenantID, StateReconnecting, nil)

		if err := sleepCtx(s.ctx, s.cfg.ConflictCooldown); err != nil {
			return
		}
		if err := s.launches.Wait(s.ctx); err != nil {
			return
		}

		if err := s.begin(tenantID, false); err != nil {
			// someone else is already bringing the tenant back
			log.Info().Err(err).Str("tenantId", tenantID).Msg("reconnection handed over")
			return
		}

		err := s.launch(s.ctx, tenantID, launchOptions{restore: true})
		if err == nil {
			s.metrics.ReconnectsTotal.WithLabelValues("launched").Inc()
			return
		}

		s.metrics.ReconnectsTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("tenantId", tenantID).Int("attempt", attempt).Msg("reconnection attempt failed")
	}
}

func (s *Supervisor) exhaust(tenantID string, attempts int) {
	err := &TerminalError{TenantID: tenantID, Reason: "reconnection exhausted", Attempts: attempts, Err: ErrReauthRequired}
	log.Error().Err(err).Msg("all reconnection attempts failed")

	s.transition(tenantID, StateFailed, func(ts *TenantSession) {
		ts.LastError = err.Error()
	})
	s.metrics.ReauthRequired.Inc()
	s.notifier.Notify(s.ctx, tenantID, NoticeReauthRequired,
		fmt.Sprintf("Session could not be restored after %d attempts, reauthentication required", attempts))
}
