package presence

import (
	"context"
	"hash/fnv"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/caseflow/caseflow/internal/platform/identity"
	ws "github.com/caseflow/caseflow/internal/platform/websocket"
)

// Broadcaster pushes presence updates to case subscribers. The
// websocket hub satisfies it.
type Broadcaster interface {
	BroadcastEvent(topic, frameType string, version int64, data interface{}) error
}

// Tracker maintains per-case presence from heartbeats and expires
// users whose heartbeats stop arriving.
type Tracker struct {
	store       Store
	ttl         time.Duration
	displayMax  int
	broadcaster Broadcaster
	logger      zerolog.Logger
	now         func() time.Time
}

func NewTracker(store Store, ttl time.Duration, displayMax int) *Tracker {
	return &Tracker{
		store:      store,
		ttl:        ttl,
		displayMax: displayMax,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
}

func (t *Tracker) SetBroadcaster(b Broadcaster) { t.broadcaster = b }

func (t *Tracker) SetLogger(l zerolog.Logger) { t.logger = l }

// Color returns the stable indicator color for a user on a case.
func Color(caseID, userID string) string {
	h := fnv.New32a()
	h.Write([]byte(caseID + ":" + userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Heartbeat marks the user active on the case, preserving the original
// join time across repeated heartbeats. The section records what the
// user is currently looking at; it may be empty.
func (t *Tracker) Heartbeat(ctx context.Context, caseID string, actor identity.Actor, section string) (ActiveUser, error) {
	now := t.now().UTC()
	u := ActiveUser{
		UserID:   actor.ID,
		Name:     actor.Name,
		Role:     actor.Role,
		Section:  section,
		Color:    Color(caseID, actor.ID),
		JoinedAt: now,
		LastSeen: now,
	}

	existing, err := t.store.List(ctx, caseID)
	if err != nil {
		return ActiveUser{}, err
	}
	wasPresent := false
	for _, e := range existing {
		if e.UserID == actor.ID && t.alive(e, now) {
			u.JoinedAt = e.JoinedAt
			wasPresent = true
			break
		}
	}

	if err := t.store.Upsert(ctx, caseID, u); err != nil {
		return ActiveUser{}, err
	}
	if !wasPresent {
		t.broadcast(ctx, caseID)
	}
	return u, nil
}

// Disconnect removes the user immediately, without waiting for expiry.
func (t *Tracker) Disconnect(ctx context.Context, caseID, userID string) error {
	removed, err := t.store.Remove(ctx, caseID, userID)
	if err != nil {
		return err
	}
	if removed {
		t.broadcast(ctx, caseID)
	}
	return nil
}

// ActiveUsers returns the case's live users, most recently seen first,
// capped at the display maximum with the remainder counted as overflow.
func (t *Tracker) ActiveUsers(ctx context.Context, caseID string) (List, error) {
	all, err := t.store.List(ctx, caseID)
	if err != nil {
		return List{}, err
	}

	now := t.now().UTC()
	users := all[:0]
	for _, u := range all {
		if t.alive(u, now) {
			users = append(users, u)
		}
	}

	sort.Slice(users, func(i, j int) bool {
		if !users[i].LastSeen.Equal(users[j].LastSeen) {
			return users[i].LastSeen.After(users[j].LastSeen)
		}
		return users[i].UserID < users[j].UserID
	})

	overflow := 0
	if t.displayMax > 0 && len(users) > t.displayMax {
		overflow = len(users) - t.displayMax
		users = users[:t.displayMax]
	}
	return List{Users: users, Overflow: overflow}, nil
}

// Sweep removes entries whose heartbeats stopped. It runs on a schedule
// so crashed clients disappear within one TTL window.
func (t *Tracker) Sweep(ctx context.Context) error {
	caseIDs, err := t.store.Cases(ctx)
	if err != nil {
		return err
	}

	now := t.now().UTC()
	for _, caseID := range caseIDs {
		users, err := t.store.List(ctx, caseID)
		if err != nil {
			t.logger.Error().Err(err).Str("case_id", caseID).Msg("presence sweep: list")
			continue
		}
		expired := 0
		for _, u := range users {
			if t.alive(u, now) {
				continue
			}
			if _, err := t.store.Remove(ctx, caseID, u.UserID); err != nil {
				t.logger.Error().Err(err).Str("case_id", caseID).Str("user_id", u.UserID).Msg("presence sweep: remove")
				continue
			}
			expired++
		}
		if expired > 0 {
			t.broadcast(ctx, caseID)
		}
	}
	return nil
}

func (t *Tracker) alive(u ActiveUser, now time.Time) bool {
	return now.Sub(u.LastSeen) <= t.ttl
}

func (t *Tracker) broadcast(ctx context.Context, caseID string) {
	if t.broadcaster == nil {
		return
	}
	list, err := t.ActiveUsers(ctx, caseID)
	if err != nil {
		t.logger.Error().Err(err).Str("case_id", caseID).Msg("presence broadcast: list")
		return
	}
	if err := t.broadcaster.BroadcastEvent(ws.CaseTopic(caseID), ws.FramePresence, 0, list); err != nil {
		t.logger.Error().Err(err).Str("case_id", caseID).Msg("presence broadcast")
	}
}
