package session

import (
	"context"
	"errors"
	"time"

	"github.com/xiaoyuanzhu-com/session-fleet/channel"
	"github.com/xiaoyuanzhu-com/session-fleet/db"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// armTasks starts the tenant's scheduled tasks. Any previous set is
// cancelled first; the set is also cancelled whenever the handle is detached.
func (s *Supervisor) armTasks(tenantID string, h channel.Channel) {
	ctx, stop := context.WithCancel(s.ctx)
	s.registry.SetTasks(tenantID, stop)

	if s.cfg.SyncInterval > 0 {
		s.wg.Add(1)
		go s.syncLoop(ctx, tenantID, h)
	}

	// credential files changing is the cue for an early backup
	if s.watcher != nil {
		if err := s.watcher.Watch(tenantID, s.cfg.WorkDir(tenantID)); err != nil {
			log.Warn().Err(err).Str("tenantId", tenantID).Msg("failed to watch working directory")
		}
	}
}

func (s *Supervisor) syncLoop(ctx context.Context, tenantID string, h channel.Channel) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	s.syncConversations(ctx, tenantID, h)
	for {
		select {
		case <-ticker.C:
			s.syncConversations(ctx, tenantID, h)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) syncConversations(ctx context.Context, tenantID string, h channel.Channel) {
	if state, _ := s.registry.State(tenantID); state != StateReady {
		return
	}

	convs, err := h.ListConversations(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("tenantId", tenantID).Msg("conversation sync failed")
		}
		return
	}

	rows := make([]db.Conversation, 0, len(convs))
	for _, c := range convs {
		rows = append(rows, db.Conversation{
			TenantID:       tenantID,
			ConversationID: c.ID,
			Name:           c.Name,
			UnreadCount:    c.UnreadCount,
			LastMessageAt:  c.LastMessageAt * 1000,
		})
	}
	if err := s.database.Conversations().ReplaceAll(ctx, tenantID, rows); err != nil {
		log.Error().Err(err).Str("tenantId", tenantID).Msg("failed to store conversations")
		return
	}
	log.Debug().Str("tenantId", tenantID).Int("count", len(rows)).Msg("conversations synced")

	s.catchUp(ctx, tenantID, h, convs)
}

// catchUp re-reads the recent messages of active conversations so messages
// missed while disconnected are still captured. captureMessage drops the
// ones already stored.
func (s *Supervisor) catchUp(ctx context.Context, tenantID string, h channel.Channel, convs []channel.Conversation) {
	if s.cfg.CatchUpLimit <= 0 {
		return
	}
	for _, c := range convs {
		if c.UnreadCount == 0 && c.LastMessageAt == 0 {
			continue
		}
		msgs, err := h.FetchMessages(ctx, c.ID, s.cfg.CatchUpLimit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("tenantId", tenantID).Str("conversationId", c.ID).Msg("failed to fetch recent messages")
			continue
		}
		for _, msg := range msgs {
			s.captureMessage(ctx, tenantID, h, msg)
		}
	}
}

// onWorkdirSettled is the watcher callback for a READY tenant's changed files
func (s *Supervisor) onWorkdirSettled(tenantID string) {
	if state, _ := s.registry.State(tenantID); state != StateReady {
		return
	}
	s.spawn(func() {
		if err := s.backups.Save(s.ctx, tenantID); err != nil && !errors.Is(err, ErrSaveInProgress) {
			log.Warn().Err(err).Str("tenantId", tenantID).Msg("early backup failed")
		}
	})
}
