package rating

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Apply runs the rating update for a match whose confirmation threshold has
// been met. It is the retry-safe ledger trigger: a second call, including one
// racing the first, fails with ErrAlreadyApplied and changes nothing.
func (s *Service) Apply(ctx context.Context, matchID MatchID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var match Match
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("match_id = ?", matchID.String()).
			Take(&match).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opApplyMatch, "match_not_found", ErrMatchNotFound)
		}
		if err != nil {
			s.logError(opApplyMatch, "match_select_failed", err, zap.String("match_id", matchID.String()))
			return newServiceError(opApplyMatch, "match_select_failed", err)
		}
		return s.applyLedger(tx, &match)
	})
}

// applyLedger mutates the four players, writes the reversal log and flips the
// applied flag, all inside the caller's transaction. The conditional update on
// `applied` is the check-and-set that keeps duplicate confirmation triggers
// from applying twice.
func (s *Service) applyLedger(tx *gorm.DB, match *Match) error {
	if match.Applied {
		return newServiceError(opApplyMatch, "already_applied", ErrAlreadyApplied)
	}

	result := tx.Model(&Match{}).
		Where("match_id = ? AND applied = ?", match.MatchID, false).
		Updates(map[string]interface{}{
			"applied": true,
			"status":  MatchStatusConfirmed,
		})
	if result.Error != nil {
		s.logError(opApplyMatch, "applied_flag_update_failed", result.Error, zap.String("match_id", match.MatchID))
		return newServiceError(opApplyMatch, "applied_flag_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opApplyMatch, "already_applied", ErrAlreadyApplied)
	}

	players := make(map[string]Player, len(match.Participants()))
	for _, participantID := range match.Participants() {
		var player Player
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("player_id = ?", participantID).
			Take(&player).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opApplyMatch, "player_not_found", ErrPlayerNotFound)
		}
		if err != nil {
			s.logError(opApplyMatch, "player_select_failed", err,
				zap.String("match_id", match.MatchID),
				zap.String("player_id", participantID))
			return newServiceError(opApplyMatch, "player_select_failed", err)
		}
		players[participantID] = player
	}

	teamA := [2]Player{players[match.TeamAPlayer1], players[match.TeamAPlayer2]}
	teamB := [2]Player{players[match.TeamBPlayer1], players[match.TeamBPlayer2]}
	deltas := ComputeDeltas(teamA, teamB, match.WinningTeam)
	if len(deltas) != len(players) {
		return newServiceError(opApplyMatch, "delta_cardinality", ErrInvariantViolation)
	}

	for playerID, delta := range deltas {
		player := players[playerID]
		update := tx.Model(&Player{}).
			Where("player_id = ?", playerID).
			Updates(map[string]interface{}{
				"rating":         player.Rating.Add(delta),
				"matches_played": player.MatchesPlayed + 1,
			})
		if update.Error != nil {
			s.logError(opApplyMatch, "player_update_failed", update.Error,
				zap.String("match_id", match.MatchID),
				zap.String("player_id", playerID))
			return newServiceError(opApplyMatch, "player_update_failed", update.Error)
		}
		if update.RowsAffected != 1 {
			return newServiceError(opApplyMatch, "partial_apply", ErrInvariantViolation)
		}

		entry := RatingDelta{
			MatchID:  match.MatchID,
			PlayerID: playerID,
			Delta:    delta,
		}
		if err := tx.Create(&entry).Error; err != nil {
			s.logError(opApplyMatch, "delta_insert_failed", err,
				zap.String("match_id", match.MatchID),
				zap.String("player_id", playerID))
			return newServiceError(opApplyMatch, "delta_insert_failed", err)
		}
	}

	match.Applied = true
	match.Status = MatchStatusConfirmed
	return nil
}

// reverseLedger undoes an applied match by subtracting each recorded delta.
// It never recomputes: players keep every change accumulated from other
// matches in between. No-op for unapplied matches.
func (s *Service) reverseLedger(tx *gorm.DB, match *Match) error {
	if !match.Applied {
		return nil
	}

	var entries []RatingDelta
	if err := tx.Where("match_id = ?", match.MatchID).Find(&entries).Error; err != nil {
		s.logError(opDeleteMatch, "delta_select_failed", err, zap.String("match_id", match.MatchID))
		return newServiceError(opDeleteMatch, "delta_select_failed", err)
	}
	if len(entries) != confirmationThreshold {
		return newServiceError(opDeleteMatch, "delta_cardinality", ErrInvariantViolation)
	}

	for _, entry := range entries {
		var player Player
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("player_id = ?", entry.PlayerID).
			Take(&player).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Player removed from standings after the match was applied;
			// nothing left to restore for them.
			continue
		}
		if err != nil {
			s.logError(opDeleteMatch, "player_select_failed", err,
				zap.String("match_id", match.MatchID),
				zap.String("player_id", entry.PlayerID))
			return newServiceError(opDeleteMatch, "player_select_failed", err)
		}

		update := tx.Model(&Player{}).
			Where("player_id = ?", entry.PlayerID).
			Updates(map[string]interface{}{
				"rating":         player.Rating.Sub(entry.Delta),
				"matches_played": player.MatchesPlayed - 1,
			})
		if update.Error != nil {
			s.logError(opDeleteMatch, "player_update_failed", update.Error,
				zap.String("match_id", match.MatchID),
				zap.String("player_id", entry.PlayerID))
			return newServiceError(opDeleteMatch, "player_update_failed", update.Error)
		}
		if update.RowsAffected != 1 {
			return newServiceError(opDeleteMatch, "partial_reverse", ErrInvariantViolation)
		}
	}

	if err := tx.Where("match_id = ?", match.MatchID).Delete(&RatingDelta{}).Error; err != nil {
		s.logError(opDeleteMatch, "delta_delete_failed", err, zap.String("match_id", match.MatchID))
		return newServiceError(opDeleteMatch, "delta_delete_failed", err)
	}
	return nil
}
