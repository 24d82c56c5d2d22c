package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event scopes.
const (
	ScopeMatch  = "match"  // deliver to one match's room
	ScopeTeam   = "team"   // deliver to one team's room
	ScopeUser   = "user"   // deliver to a single player wherever they are connected
	ScopeGlobal = "global" // deliver to every connection (e.g. leaderboard invalidation)
)

// Event travels the cross-instance bus so a broadcast issued on one instance
// reaches connections hosted on another.
type Event struct {
	Scope    string          `json:"scope"`
	MatchID  uuid.UUID       `json:"match_id,omitempty"`
	TeamID   string          `json:"team_id,omitempty"`
	PlayerID uuid.UUID       `json:"player_id,omitempty"`
	Origin   string          `json:"origin"`
	Message  json.RawMessage `json:"message"`
}

// Bus is a publish/subscribe bridge over the keyed session store's channel.
type Bus struct {
	redis      *redis.Client
	channel    string
	instanceID string
	logger     zerolog.Logger
}

// NewBus creates an event bus on the given channel.
func NewBus(redisClient *redis.Client, channel, instanceID string, logger zerolog.Logger) *Bus {
	if channel == "" {
		channel = "arena:events"
	}
	return &Bus{
		redis:      redisClient,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "event_bus").Logger(),
	}
}

// Publish emits an event, stamping this instance as origin. Failures are
// non-fatal: local delivery has already happened by the time this is called.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	evt.Origin = b.instanceID
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.redis.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Run subscribes and forwards remote-origin events to the handler until the
// context is cancelled. Own-origin events are skipped; the publishing
// instance already delivered them locally.
func (b *Bus) Run(ctx context.Context, handle func(Event)) error {
	sub := b.redis.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.logger.Warn().Err(err).Msg("failed to decode bus event")
				continue
			}
			if evt.Origin == b.instanceID {
				continue
			}
			handle(evt)
		}
	}
}
