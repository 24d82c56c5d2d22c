package match

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/uuid"

	apperrors "github.com/mathclash/arena/pkg/http/errors"

	"github.com/mathclash/arena/internal/match/queue"
	"github.com/mathclash/arena/internal/session"
	"github.com/mathclash/arena/pkg/http/ws"
)

// sendToPlayer delivers a message to one player, locally when possible and
// over the bus otherwise.
func (s *Service) sendToPlayer(playerID uuid.UUID, msg ws.Message) {
	if s.hub.Connected(playerID) {
		if err := s.hub.SendToUser(playerID, msg); err == nil {
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	raw, _ := json.Marshal(msg)
	evt := session.Event{Scope: session.ScopeUser, PlayerID: playerID, Message: raw}
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Debug().Err(err).Str("player_id", playerID.String()).Msg("queue notify dropped")
	}
}

// JoinQueue places a player into matchmaking. Practice (vs-bot) duels skip
// the pool entirely. Humans pair within the elo search range; the rest of a
// team lobby fills with bots after the fill wait.
func (s *Service) JoinQueue(ctx context.Context, playerID uuid.UUID, mode, operation string, vsBot bool) error {
	if operation == "" {
		operation = string(OpMixed)
	}

	if mode == "duel" {
		if !ValidOperation(operation) {
			return apperrors.E(apperrors.ErrCodeInvalidRequest, "unknown operation")
		}
		if vsBot {
			p, err := s.profileState(ctx, playerID)
			if err != nil {
				return err
			}
			_, err = s.CreateDuel(ctx, []*PlayerState{p}, Operation(operation), true)
			return err
		}
		return s.queueDuel(ctx, playerID, Operation(operation))
	}

	cfg, err := ModeConfigFor(mode)
	if err != nil {
		return err
	}
	return s.queueTeam(ctx, playerID, cfg)
}

// CancelQueue withdraws a waiting player.
func (s *Service) CancelQueue(ctx context.Context, playerID uuid.UUID, mode string) error {
	if err := s.queue.Dequeue(ctx, mode, playerID); err != nil {
		if errors.Is(err, queue.ErrNotQueued) {
			return apperrors.E(apperrors.ErrCodeNotInQueue, "not queued for that mode")
		}
		return apperrors.E(apperrors.ErrCodeStoreUnavailable, "matchmaking store unavailable")
	}
	s.sendToPlayer(playerID, ws.NewMessage(ws.TypeQueueUpdate, ws.QueueUpdatePayload{
		Mode:   mode,
		Status: "cancelled",
	}))
	return nil
}

func (s *Service) queueDuel(ctx context.Context, playerID uuid.UUID, op Operation) error {
	prof, err := s.profileState(ctx, playerID)
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, "duel", playerID, prof.Elo); err != nil {
		return apperrors.E(apperrors.ErrCodeEnqueueFailed, "could not join queue")
	}

	if paired := s.tryPairDuel(ctx, prof, op); paired {
		return nil
	}

	s.sendToPlayer(playerID, ws.NewMessage(ws.TypeQueueUpdate, ws.QueueUpdatePayload{
		Mode:   "duel",
		Status: "searching",
	}))
	s.clock.AfterFunc(s.queueCfg.BotFillWait, func() {
		s.botFillDuel(playerID, op)
	})
	return nil
}

// tryPairDuel claims the closest-rated waiting opponent. Claiming is the
// dequeue itself; whichever instance dequeues a player owns them.
func (s *Service) tryPairDuel(ctx context.Context, prof *PlayerState, op Operation) bool {
	candidates, err := s.queue.FindCandidates(ctx, "duel", prof.Elo, s.queueCfg.SearchRange, prof.PlayerID)
	if err != nil || len(candidates) == 0 {
		return false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return absInt(candidates[i].Elo-prof.Elo) < absInt(candidates[j].Elo-prof.Elo)
	})

	for _, cand := range candidates {
		if s.queue.Dequeue(ctx, "duel", cand.PlayerID) != nil {
			continue // someone else claimed them first
		}
		opp, err := s.profileState(ctx, cand.PlayerID)
		if err != nil {
			continue
		}
		_ = s.queue.Dequeue(ctx, "duel", prof.PlayerID)
		if _, err := s.CreateDuel(ctx, []*PlayerState{prof, opp}, op, false); err != nil {
			s.logger.Error().Err(err).Msg("duel creation failed after pairing")
			return false
		}
		s.met.queuePairs.WithLabelValues("duel").Inc()
		return true
	}
	return false
}

// botFillDuel converts an unmatched wait into a practice duel.
func (s *Service) botFillDuel(playerID uuid.UUID, op Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.queue.Dequeue(ctx, "duel", playerID); err != nil {
		return // already matched or cancelled
	}
	prof, err := s.profileState(ctx, playerID)
	if err != nil {
		return
	}
	if _, err := s.CreateDuel(ctx, []*PlayerState{prof}, op, true); err != nil {
		s.logger.Error().Err(err).Msg("bot fill duel failed")
	}
}

func (s *Service) queueTeam(ctx context.Context, playerID uuid.UUID, cfg ModeConfig) error {
	prof, err := s.profileState(ctx, playerID)
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, cfg.Mode, playerID, prof.Elo); err != nil {
		return apperrors.E(apperrors.ErrCodeEnqueueFailed, "could not join queue")
	}

	if s.tryFormTeams(ctx, cfg, prof, false) {
		return nil
	}

	s.sendToPlayer(playerID, ws.NewMessage(ws.TypeQueueUpdate, ws.QueueUpdatePayload{
		Mode:   cfg.Mode,
		Status: "searching",
	}))
	s.clock.AfterFunc(s.queueCfg.BotFillWait, func() {
		fillCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if s.queue.Dequeue(fillCtx, cfg.Mode, playerID) != nil {
			return // already matched or cancelled
		}
		if p, err := s.profileState(fillCtx, playerID); err == nil {
			s.tryFormTeams(fillCtx, cfg, p, true)
		}
	})
	return nil
}

// tryFormTeams gathers enough queued humans for two rosters. With fill set,
// whoever is waiting starts now and bots take the empty seats.
func (s *Service) tryFormTeams(ctx context.Context, cfg ModeConfig, prof *PlayerState, fill bool) bool {
	needed := cfg.TeamSize * 2

	candidates, err := s.queue.FindCandidates(ctx, cfg.Mode, prof.Elo, s.queueCfg.SearchRange, prof.PlayerID)
	if err != nil {
		return false
	}
	if !fill && len(candidates) < needed-1 {
		return false
	}

	humans := []*PlayerState{prof}
	for _, cand := range candidates {
		if len(humans) == needed {
			break
		}
		if s.queue.Dequeue(ctx, cfg.Mode, cand.PlayerID) != nil {
			continue
		}
		p, err := s.profileState(ctx, cand.PlayerID)
		if err != nil {
			continue
		}
		humans = append(humans, p)
	}
	if !fill && len(humans) < needed {
		// Could not claim a full lobby after all; the claimed players
		// stay seated in the next attempt via their own fill timers.
		for _, p := range humans {
			if p.PlayerID != prof.PlayerID {
				_, _ = s.queue.Enqueue(ctx, cfg.Mode, p.PlayerID, p.Elo)
			}
		}
		return false
	}
	_ = s.queue.Dequeue(ctx, cfg.Mode, prof.PlayerID)

	rosters := s.draftRosters(cfg, humans)
	if _, err := s.CreateTeamMatch(ctx, cfg, rosters); err != nil {
		s.logger.Error().Err(err).Msg("team match creation failed")
		return false
	}
	s.met.queuePairs.WithLabelValues(cfg.Mode).Inc()
	return true
}

// draftRosters snake-drafts humans by rating so both sides come out even,
// then pads with bots pitched at the lobby's average elo.
func (s *Service) draftRosters(cfg ModeConfig, humans []*PlayerState) [2][]*PlayerState {
	sort.Slice(humans, func(i, j int) bool { return humans[i].Elo > humans[j].Elo })

	var rosters [2][]*PlayerState
	side := 0
	for i, p := range humans {
		rosters[side] = append(rosters[side], p)
		if i%2 == 0 {
			side = 1 - side
		}
	}

	avg := 0
	for _, p := range humans {
		avg += p.Elo
	}
	if len(humans) > 0 {
		avg /= len(humans)
	}
	level := s.bots.LevelForElo(avg)

	s.mu.Lock()
	for i := range rosters {
		for len(rosters[i]) < cfg.TeamSize {
			rosters[i] = append(rosters[i], s.bots.NewFiller(s.rng, level))
		}
	}
	s.mu.Unlock()
	return rosters
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
