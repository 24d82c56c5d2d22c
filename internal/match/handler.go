package match

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	apperrors "github.com/mathclash/arena/pkg/http/errors"

	"github.com/mathclash/arena/internal/registry"
	"github.com/mathclash/arena/internal/session"
	"github.com/mathclash/arena/internal/token"
	"github.com/mathclash/arena/pkg/http/ws"
)

// Handler terminates WebSocket connections and routes protocol messages to
// the match service and machines.
type Handler struct {
	svc      *Service
	hub      *ws.Hub
	registry *registry.Registry
	store    *session.Store
	tokens   *token.Manager
	clock    clockwork.Clock
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.Mutex
	lastDrop map[uuid.UUID]time.Time
}

// NewHandler wires the WebSocket entry point.
func NewHandler(
	svc *Service,
	hub *ws.Hub,
	reg *registry.Registry,
	store *session.Store,
	tokens *token.Manager,
	clock clockwork.Clock,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		svc:      svc,
		hub:      hub,
		registry: reg,
		store:    store,
		tokens:   tokens,
		clock:    clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:   logger.With().Str("component", "ws_handler").Logger(),
		lastDrop: make(map[uuid.UUID]time.Time),
	}
}

// ServeWS upgrades /ws/arena connections. The access token rides the query
// string because browsers cannot set WebSocket headers.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.Validate(r.URL.Query().Get("token"))
	if err != nil {
		apperrors.RespondUnauthorized(w, apperrors.ErrCodeInvalidToken, "invalid or expired token")
		return
	}
	playerID := claims.PlayerID

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := ws.NewConnection(conn, h.logger.With().Str("player_id", playerID.String()).Logger())
	h.hub.RegisterConnection(playerID, c)
	go c.WritePump()

	h.afterConnect(playerID)

	c.ReadPump(func(msg ws.Message) error {
		h.route(playerID, c, msg)
		return nil
	})

	h.hub.UnregisterConnection(playerID, c)
	h.afterDisconnect(playerID)
}

// afterConnect settles a reconnect: rejoin rooms, charge the integrity
// monitor for the time away, and replay the authoritative state.
func (h *Handler) afterConnect(playerID uuid.UUID) {
	h.mu.Lock()
	dropped, wasDropped := h.lastDrop[playerID]
	delete(h.lastDrop, playerID)
	h.mu.Unlock()

	matchID, ok := h.registry.MatchFor(playerID)
	if !ok {
		return
	}
	m, ok := h.registry.Get(matchID)
	if !ok {
		return
	}

	h.hub.JoinMatch(matchID, playerID)
	downFor := time.Duration(0)
	if wasDropped {
		downFor = h.clock.Now().Sub(dropped)
	}

	switch mm := m.(type) {
	case *DuelMatch:
		if wasDropped {
			mm.MarkDisconnect(playerID, downFor)
		}
		mm.CatchUp(playerID)
	case *TeamMatch:
		if teamID, ok := mm.TeamOf(playerID); ok {
			h.hub.JoinTeam(matchID, teamID, playerID)
		}
		if wasDropped {
			mm.MarkDisconnect(playerID, downFor)
		}
		mm.CatchUp(playerID)
	}
}

func (h *Handler) afterDisconnect(playerID uuid.UUID) {
	h.mu.Lock()
	h.lastDrop[playerID] = h.clock.Now()
	h.mu.Unlock()
}

// sendError reports a failed request back on the same connection.
func (h *Handler) sendError(c *ws.Connection, requestID string, err error) {
	msg := ws.NewMessage(ws.TypeError, ws.ErrorPayload{
		Code:    apperrors.CodeOf(err),
		Message: err.Error(),
	})
	msg.RequestID = requestID
	if sendErr := c.Send(msg); sendErr != nil {
		h.logger.Debug().Err(sendErr).Msg("error reply dropped")
	}
}

// route dispatches one inbound message.
func (h *Handler) route(playerID uuid.UUID, c *ws.Connection, msg ws.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch msg.Type {
	case ws.TypeJoinQueue:
		var p ws.JoinQueuePayload
		if err = unmarshal(msg, &p); err == nil {
			err = h.svc.JoinQueue(ctx, playerID, p.Mode, p.Operation, p.VsBot)
		}
	case ws.TypeCancelQueue:
		var p ws.CancelQueuePayload
		if err = unmarshal(msg, &p); err == nil {
			err = h.svc.CancelQueue(ctx, playerID, p.Mode)
		}
	case ws.TypeJoinMatch:
		var p ws.JoinMatchPayload
		if err = unmarshal(msg, &p); err == nil {
			err = h.joinMatch(ctx, playerID, p.MatchID)
		}
	case ws.TypeSubmitAnswer:
		var p ws.SubmitAnswerPayload
		if err = unmarshal(msg, &p); err == nil {
			err = h.submitAnswer(playerID, p)
		}
	case ws.TypePong:
		var p ws.PongPayload
		if err = unmarshal(msg, &p); err == nil {
			h.recordPong(playerID, p)
		}
	case ws.TypeAssignSlot:
		var p ws.AssignSlotPayload
		if err = unmarshal(msg, &p); err == nil {
			err = h.withTeam(playerID, func(m *TeamMatch) error {
				target, parseErr := uuid.Parse(p.PlayerID)
				if parseErr != nil {
					return apperrors.E(apperrors.ErrCodeInvalidPayload, "bad player id")
				}
				return m.AssignSlot(playerID, p.Operation, target)
			})
		}
	case ws.TypeCallDoubleCallin:
		var p ws.CallDoubleCallinPayload
		if err = unmarshal(msg, &p); err == nil {
			err = h.withTeam(playerID, func(m *TeamMatch) error {
				return m.CallDoubleCallin(playerID, p.Operation)
			})
		}
	case ws.TypeSoloDecision:
		var p ws.SoloDecisionPayload
		if err = unmarshal(msg, &p); err == nil {
			err = h.withTeam(playerID, func(m *TeamMatch) error {
				return m.SoloDecision(playerID, p.Decision)
			})
		}
	case ws.TypeCallTimeout:
		err = h.withTeam(playerID, func(m *TeamMatch) error {
			return m.CallTimeout(playerID)
		})
	case ws.TypeQuitVoteStart:
		err = h.withTeam(playerID, func(m *TeamMatch) error {
			return m.StartQuitVote(playerID)
		})
	case ws.TypeQuitVoteCast:
		var p ws.QuitVoteCastPayload
		if err = unmarshal(msg, &p); err == nil {
			err = h.withTeam(playerID, func(m *TeamMatch) error {
				return m.CastQuitVote(playerID, p.Vote)
			})
		}
	case ws.TypeLeaveMatch:
		err = h.leaveMatch(ctx, playerID)
	default:
		err = apperrors.E(apperrors.ErrCodeUnknownMessageType, "unknown message type "+msg.Type)
	}

	if err != nil {
		h.sendError(c, msg.RequestID, err)
	}
}

func unmarshal(msg ws.Message, out interface{}) error {
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return apperrors.E(apperrors.ErrCodeInvalidPayload, "malformed payload")
	}
	return nil
}

// joinMatch attaches a player to a match hosted here, adopting an orphaned
// snapshot when no instance owns it.
func (h *Handler) joinMatch(ctx context.Context, playerID uuid.UUID, rawMatchID string) error {
	matchID, err := uuid.Parse(rawMatchID)
	if err != nil {
		return apperrors.E(apperrors.ErrCodeInvalidMatchID, "bad match id")
	}

	m, ok := h.registry.Get(matchID)
	if !ok {
		m, err = h.svc.Adopt(ctx, matchID)
		if err != nil {
			return err
		}
	}

	h.registry.BindPlayer(playerID, matchID)
	h.hub.JoinMatch(matchID, playerID)
	if err := h.store.BindSocket(ctx, playerID, matchID); err != nil {
		h.store.LogDegraded(matchID, "socket bind", err)
	}

	switch mm := m.(type) {
	case *DuelMatch:
		mm.CatchUp(playerID)
	case *TeamMatch:
		if teamID, ok := mm.TeamOf(playerID); ok {
			h.hub.JoinTeam(matchID, teamID, playerID)
		}
		if err := mm.Connect(playerID); err != nil {
			return err
		}
		mm.CatchUp(playerID)
	}
	return nil
}

func (h *Handler) submitAnswer(playerID uuid.UUID, p ws.SubmitAnswerPayload) error {
	m, err := h.matchFor(playerID)
	if err != nil {
		return err
	}
	switch mm := m.(type) {
	case *DuelMatch:
		err = mm.SubmitAnswer(playerID, p.Answer)
	case *TeamMatch:
		err = mm.SubmitAnswer(playerID, p.Answer)
	}
	if err == nil {
		h.svc.CountAnswer()
	}
	return err
}

func (h *Handler) recordPong(playerID uuid.UUID, p ws.PongPayload) {
	m, err := h.matchFor(playerID)
	if err != nil {
		return
	}
	switch mm := m.(type) {
	case *DuelMatch:
		mm.RecordPong(playerID, p.SentAt)
	case *TeamMatch:
		mm.RecordPong(playerID, p.SentAt)
	}
}

func (h *Handler) leaveMatch(ctx context.Context, playerID uuid.UUID) error {
	m, err := h.matchFor(playerID)
	if err != nil {
		return err
	}
	switch mm := m.(type) {
	case *DuelMatch:
		mm.Leave(playerID)
	case *TeamMatch:
		mm.Leave(playerID)
	}
	h.hub.LeaveMatch(m.ID(), playerID)
	h.registry.UnbindPlayer(playerID)
	if err := h.store.UnbindSocket(ctx, playerID); err != nil {
		h.store.LogDegraded(m.ID(), "socket unbind", err)
	}
	return nil
}

func (h *Handler) matchFor(playerID uuid.UUID) (registry.Match, error) {
	matchID, ok := h.registry.MatchFor(playerID)
	if !ok {
		return nil, apperrors.E(apperrors.ErrCodeMatchNotFound, "not in a match")
	}
	m, ok := h.registry.Get(matchID)
	if !ok {
		return nil, apperrors.E(apperrors.ErrCodeMatchNotFound, "match no longer hosted here")
	}
	return m, nil
}

// withTeam runs fn against the player's team match.
func (h *Handler) withTeam(playerID uuid.UUID, fn func(*TeamMatch) error) error {
	m, err := h.matchFor(playerID)
	if err != nil {
		return err
	}
	tm, ok := m.(*TeamMatch)
	if !ok {
		return apperrors.E(apperrors.ErrCodeInvalidRequest, "not a team match")
	}
	return fn(tm)
}
