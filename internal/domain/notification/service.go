package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caseflow/caseflow/internal/domain/casedoc"
	"github.com/caseflow/caseflow/internal/domain/presence"
	ws "github.com/caseflow/caseflow/internal/platform/websocket"
)

// Broadcaster pushes notifications to a user's personal topic.
type Broadcaster interface {
	BroadcastEvent(topic, frameType string, version int64, data interface{}) error
}

// CaseGetter resolves a case document, used to find the assignee.
type CaseGetter interface {
	GetCase(ctx context.Context, id uuid.UUID) (*casedoc.CaseDocument, error)
}

// PresenceLister reports who is currently viewing a case.
type PresenceLister interface {
	ActiveUsers(ctx context.Context, caseID string) (presence.List, error)
}

// Service fans case events out into per-user notifications. It
// implements the post-commit event sink of the case service.
type Service struct {
	repo        Repository
	cases       CaseGetter
	presence    PresenceLister
	broadcaster Broadcaster
	logger      zerolog.Logger
}

func NewService(repo Repository, cases CaseGetter, pres PresenceLister) *Service {
	return &Service{
		repo:     repo,
		cases:    cases,
		presence: pres,
		logger:   zerolog.Nop(),
	}
}

func (s *Service) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// notifiable is the subset of event types that produce notifications.
// Plain section updates are visible through the live channel; turning
// every keystroke-level commit into a notification would bury the
// meaningful ones.
var notifiable = map[casedoc.EventType]bool{
	casedoc.EventCaseAssigned:        true,
	casedoc.EventCaseStatusChanged:   true,
	casedoc.EventCasePriorityChanged: true,
	casedoc.EventCaseCompleted:       true,
	casedoc.EventCaseArchived:        true,
	casedoc.EventNoteAdded:           true,
	casedoc.EventVitalAdded:          true,
}

func message(ev casedoc.CaseEvent) string {
	who := ev.ActorName
	if who == "" {
		who = ev.ActorID
	}
	switch ev.Type {
	case casedoc.EventCaseAssigned:
		return fmt.Sprintf("%s assigned the case", who)
	case casedoc.EventCaseStatusChanged:
		if status, ok := ev.Payload["status"].(string); ok {
			return fmt.Sprintf("%s changed the case status to %s", who, status)
		}
		return fmt.Sprintf("%s changed the case status", who)
	case casedoc.EventCasePriorityChanged:
		if p, ok := ev.Payload["priority"].(string); ok {
			return fmt.Sprintf("%s set the priority to %s", who, p)
		}
		return fmt.Sprintf("%s changed the priority", who)
	case casedoc.EventCaseCompleted:
		return fmt.Sprintf("%s marked the case completed", who)
	case casedoc.EventCaseArchived:
		return fmt.Sprintf("%s archived the case", who)
	case casedoc.EventNoteAdded:
		return fmt.Sprintf("%s added a note", who)
	case casedoc.EventVitalAdded:
		return fmt.Sprintf("%s recorded vitals", who)
	}
	return fmt.Sprintf("%s updated the case", who)
}

// CaseEventRecorded creates notifications for everyone who should hear
// about the event: the assignee plus everyone actively viewing the
// case, excluding the actor. Failures are logged, never propagated;
// notification fan-out must not fail the commit that triggered it.
func (s *Service) CaseEventRecorded(ctx context.Context, ev casedoc.CaseEvent) {
	if !notifiable[ev.Type] {
		return
	}

	recipients := make(map[string]bool)

	if s.cases != nil {
		d, err := s.cases.GetCase(ctx, ev.CaseID)
		if err != nil {
			s.logger.Error().Err(err).Str("case_id", ev.CaseID.String()).Msg("notification fan-out: load case")
		} else if d.AssigneeID != nil {
			recipients[*d.AssigneeID] = true
		}
	}

	if s.presence != nil {
		list, err := s.presence.ActiveUsers(ctx, ev.CaseID.String())
		if err != nil {
			s.logger.Error().Err(err).Str("case_id", ev.CaseID.String()).Msg("notification fan-out: presence")
		} else {
			for _, u := range list.Users {
				recipients[u.UserID] = true
			}
		}
	}

	delete(recipients, ev.ActorID)

	for userID := range recipients {
		n := &Notification{
			UserID:    userID,
			CaseID:    ev.CaseID,
			EventType: string(ev.Type),
			Message:   message(ev),
			Payload:   ev.Payload,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.repo.Insert(ctx, n); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("notification fan-out: insert")
			continue
		}
		s.push(userID, n)
	}
}

func (s *Service) push(userID string, n *Notification) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.BroadcastEvent(ws.UserTopic(userID), ws.FrameNotification, 0, n); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("notification push")
	}
}

func (s *Service) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	return s.repo.ListByUser(ctx, userID, unreadOnly, limit, offset)
}

func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	return s.repo.MarkRead(ctx, userID, id)
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.repo.MarkAllRead(ctx, userID)
}

func (s *Service) Clear(ctx context.Context, userID string) (int64, error) {
	return s.repo.Clear(ctx, userID)
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.repo.UnreadCount(ctx, userID)
}

// PruneRead deletes read notifications older than the retention window.
func (s *Service) PruneRead(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.PruneRead(ctx, time.Now().UTC().Add(-retention))
}
