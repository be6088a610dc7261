package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaoyuanzhu-com/session-fleet/channel"
	"github.com/xiaoyuanzhu-com/session-fleet/db"
	"github.com/xiaoyuanzhu-com/session-fleet/fs"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// runEvents delivers one handle's events in order. Events from a handle that
// has since been detached are drained and dropped.
func (s *Supervisor) runEvents(tenantID string, gen uint64, h channel.Channel) {
	defer s.wg.Done()

	events := h.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !s.registry.IsCurrent(tenantID, gen) {
				log.Debug().Str("tenantId", tenantID).Str("event", string(ev.Type)).Msg("dropping event from stale client")
				continue
			}
			s.dispatch(tenantID, gen, h, ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) dispatch(tenantID string, gen uint64, h channel.Channel, ev channel.Event) {
	switch ev.Type {
	case channel.EventChallenge:
		s.onChallenge(tenantID, ev.Challenge)
	case channel.EventAuthenticated:
		s.onAuthenticated(tenantID)
	case channel.EventReady:
		s.onReady(tenantID, h)
	case channel.EventDisconnected:
		s.onDisconnected(tenantID, gen, ev.Reason)
	case channel.EventConflict:
		s.onConflict(tenantID, gen, ev.Reason)
	case channel.EventStateChanged:
		s.onStateChanged(tenantID, gen, ev.State)
	case channel.EventAuthFailure:
		s.onAuthFailure(tenantID, gen, ev.Reason)
	case channel.EventMessage:
		if ev.Message != nil {
			msg := *ev.Message
			s.spawn(func() { s.captureMessage(s.ctx, tenantID, h, msg) })
		}
	default:
		log.Debug().Str("tenantId", tenantID).Str("event", string(ev.Type)).Msg("unhandled client event")
	}
}

func (s *Supervisor) onChallenge(tenantID, challenge string) {
	log.Info().Str("tenantId", tenantID).Msg("challenge issued")

	s.transition(tenantID, StateAwaitingChallenge, func(ts *TenantSession) {
		ts.Challenge = challenge
	})

	if err := s.database.Tenants().SetChallenge(s.ctx, tenantID, &challenge); err != nil {
		log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to persist challenge")
	}
	s.notifier.Notify(s.ctx, tenantID, NoticeChallenge, "Scan the challenge to link this session")
}

func (s *Supervisor) onAuthenticated(tenantID string) {
	log.Info().Str("tenantId", tenantID).Msg("client authenticated")

	s.transition(tenantID, StateAuthenticated, func(ts *TenantSession) {
		ts.Challenge = ""
	})

	if err := s.database.Tenants().MarkAuthenticated(s.ctx, tenantID); err != nil {
		log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to persist authentication")
	}
}

func (s *Supervisor) onReady(tenantID string, h channel.Channel) {
	from := s.registry.TransitionReleasing(tenantID, StateReady, func(ts *TenantSession) {
		ts.Challenge = ""
		ts.ReconnectAttempts = 0
		ts.ReadyAt = ts.UpdatedAt
		ts.LastError = ""
	})
	log.Info().Str("tenantId", tenantID).Str("from", string(from)).Str("to", string(StateReady)).Msg("session state changed")

	log.Info().Str("tenantId", tenantID).Msg("client ready")
	s.notifier.Notify(s.ctx, tenantID, NoticeReady, "Session connected")

	s.armTasks(tenantID, h)

	s.spawn(func() {
		if err := s.backups.Save(s.ctx, tenantID); err != nil && !errors.Is(err, ErrSaveInProgress) {
			log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to save session on ready")
		}
	})
}

func (s *Supervisor) onDisconnected(tenantID string, gen uint64, reason string) {
	h, owned := s.registry.DetachIf(tenantID, gen)
	if !owned {
		return
	}
	s.registry.ReleaseInit(tenantID)

	log.Warn().Str("tenantId", tenantID).Str("reason", reason).Msg("client disconnected")
	s.transition(tenantID, StateDisconnected, func(ts *TenantSession) {
		ts.LastError = reason
	})
	s.notifier.Notify(s.ctx, tenantID, NoticeReconnecting, "Session disconnected, reconnecting")

	s.spawn(func() {
		s.destroy(tenantID, h)
		s.reconnect(tenantID)
	})
}

func (s *Supervisor) onConflict(tenantID string, gen uint64, reason string) {
	h, owned := s.registry.DetachIf(tenantID, gen)
	if !owned {
		return
	}
	s.registry.ReleaseInit(tenantID)

	if reason == "" {
		reason = channel.StateConflict
	}
	log.Warn().Str("tenantId", tenantID).Str("reason", reason).Msg("session conflict detected")

	s.spawn(func() {
		s.destroy(tenantID, h)
		if err := s.ResolveConflict(s.ctx, tenantID, reason); err != nil && !errors.Is(err, ErrAlreadyInitializing) {
			log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to resolve session conflict")
		}
	})
}

func (s *Supervisor) onStateChanged(tenantID string, gen uint64, state string) {
	log.Info().Str("tenantId", tenantID).Str("clientState", state).Msg("client state changed")

	if state == channel.StateConflict || state == channel.StateUnlaunched {
		s.onConflict(tenantID, gen, "client state "+state)
	}
}

func (s *Supervisor) onAuthFailure(tenantID string, gen uint64, reason string) {
	authErr := &AuthFailureError{TenantID: tenantID, Reason: reason}
	log.Error().Err(authErr).Msg("client authentication failed")

	s.registry.ReleaseInit(tenantID)
	snap, _ := s.registry.Get(tenantID)
	s.registry.Update(tenantID, func(ts *TenantSession) {
		ts.LastError = authErr.Error()
	})
	s.notifier.Notify(s.ctx, tenantID, NoticeAuthFailure, "Stored credentials were rejected")

	if snap.HasChallenge {
		return
	}

	h, owned := s.registry.DetachIf(tenantID, gen)
	if !owned {
		return
	}

	// Credentials are stale: start over without restoring them.
	s.spawn(func() {
		s.destroy(tenantID, h)
		if err := fs.RemoveAllWithRetry(s.ctx, s.cfg.WorkDir(tenantID), fs.RemovePolicy(s.cfg.IORetry)); err != nil {
			log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to clear rejected credentials")
			return
		}
		if err := s.begin(tenantID, false); err != nil {
			return
		}
		if err := s.launch(s.ctx, tenantID, launchOptions{restore: false}); err != nil {
			log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to regenerate challenge")
		}
	})
}

// captureMessage stores an incoming message once per channel message id
func (s *Supervisor) captureMessage(ctx context.Context, tenantID string, h channel.Channel, msg channel.IncomingMessage) {
	if msg.FromMe {
		return
	}

	store := s.database.InboundMessages()
	exists, err := store.Exists(ctx, tenantID, msg.ID)
	if err != nil {
		log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to check incoming message")
		return
	}
	if exists {
		return
	}

	record := db.InboundMessage{
		TenantID:         tenantID,
		ChannelMessageID: msg.ID,
		Sender:           msg.From,
		Body:             msg.Body,
		Timestamp:        msg.Timestamp * 1000,
	}

	if msg.HasMedia {
		media, err := s.downloadMedia(ctx, tenantID, h, msg.ID)
		if err != nil {
			log.Warn().Err(err).Str("tenantId", tenantID).Str("messageId", msg.ID).Msg("storing message without attachment")
		} else if media != nil {
			record.AttachType = &media.MimeType
			record.AttachName = &media.Filename
			record.AttachData = media.Data
		}
	}

	inserted, err := store.Insert(ctx, record)
	if err != nil {
		log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to store incoming message")
		return
	}
	if inserted {
		s.metrics.InboundMessages.Inc()
		log.Debug().Str("tenantId", tenantID).Str("messageId", msg.ID).Msg("incoming message stored")
	}
}

func (s *Supervisor) downloadMedia(ctx context.Context, tenantID string, h channel.Channel, messageID string) (*channel.Media, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MediaTimeout)
	defer cancel()

	media, err := h.DownloadMedia(ctx, messageID)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{TenantID: tenantID, Op: "media download", After: s.cfg.MediaTimeout, Err: err}
		}
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	return media, nil
}
