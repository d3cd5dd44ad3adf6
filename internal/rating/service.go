package rating

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

var (
	// ErrMatchNotFound indicates an unknown match identifier.
	ErrMatchNotFound = errors.New("rating: match not found")
	// ErrPlayerNotFound indicates an unknown player identifier.
	ErrPlayerNotFound = errors.New("rating: player not found")
	// ErrNotParticipant indicates a confirmation attempt by a player outside the match.
	ErrNotParticipant = errors.New("rating: player is not a match participant")
	// ErrDuplicatePlayer indicates the four match slots are not pairwise distinct.
	ErrDuplicatePlayer = errors.New("rating: match players must be distinct")
	// ErrAlreadyApplied is the ledger idempotence guard; callers may treat it as benign.
	ErrAlreadyApplied = errors.New("rating: match ratings already applied")
	// ErrInvariantViolation indicates the ledger detected a corrupt state and aborted.
	ErrInvariantViolation = errors.New("rating: ledger invariant violation")
)

// ServiceError carries a machine-readable operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "rating.service.new"
	opSubmitMatch   = "rating.submit_match"
	opConfirmMatch  = "rating.confirm_match"
	opDeleteMatch   = "rating.delete_match"
	opApplyMatch    = "rating.apply_match"
	opLeaderboard   = "rating.leaderboard"
	opPlayerMatches = "rating.player_matches"
	opListMatches   = "rating.list_matches"
	opCreatePlayer  = "rating.create_player"
	opRemovePlayer  = "rating.remove_player"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the rating service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Events     EventSink
}

// Service owns the player store, the confirmation state machine and the
// rating ledger. All mutation runs through transactions on the injected
// database handle.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	events     EventSink
}

// NewService constructs the rating service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		events:     cfg.Events,
	}, nil
}

// SubmitMatch records a pending match. The submitter's confirmation is counted
// immediately when the submitter occupies one of the four slots.
func (s *Service) SubmitMatch(ctx context.Context, submitterID PlayerID, teamA, teamB [2]PlayerID, winner Team) (Match, error) {
	if winner != TeamA && winner != TeamB {
		return Match{}, newServiceError(opSubmitMatch, "invalid_team", fmt.Errorf("%w: %q", ErrInvalidTeam, winner))
	}

	participantIDs := []string{teamA[0].String(), teamA[1].String(), teamB[0].String(), teamB[1].String()}
	seen := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		if _, duplicate := seen[id]; duplicate {
			return Match{}, newServiceError(opSubmitMatch, "duplicate_player", ErrDuplicatePlayer)
		}
		seen[id] = struct{}{}
	}

	matchID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmitMatch, "id_generation_failed", err)
		return Match{}, newServiceError(opSubmitMatch, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	match := Match{
		MatchID:          matchID,
		TeamAPlayer1:     teamA[0].String(),
		TeamAPlayer2:     teamA[1].String(),
		TeamBPlayer1:     teamB[0].String(),
		TeamBPlayer2:     teamB[1].String(),
		WinningTeam:      winner,
		SubmitterID:      submitterID.String(),
		Status:           MatchStatusPending,
		CreatedAtSeconds: now.Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var known int64
		if err := tx.Model(&Player{}).Where("player_id IN ?", participantIDs).Count(&known).Error; err != nil {
			s.logError(opSubmitMatch, "player_select_failed", err, zap.String("match_id", matchID))
			return newServiceError(opSubmitMatch, "player_select_failed", err)
		}
		if known != int64(len(participantIDs)) {
			return newServiceError(opSubmitMatch, "player_not_found", ErrPlayerNotFound)
		}

		if match.IsParticipant(submitterID.String()) {
			match.ConfirmationCount = 1
		}
		if err := tx.Create(&match).Error; err != nil {
			s.logError(opSubmitMatch, "match_insert_failed", err, zap.String("match_id", matchID))
			return newServiceError(opSubmitMatch, "match_insert_failed", err)
		}

		if match.ConfirmationCount == 1 {
			confirmation := MatchConfirmation{
				MatchID:            matchID,
				PlayerID:           submitterID.String(),
				ConfirmedAtSeconds: now.Unix(),
			}
			if err := tx.Create(&confirmation).Error; err != nil {
				s.logError(opSubmitMatch, "confirmation_insert_failed", err, zap.String("match_id", matchID))
				return newServiceError(opSubmitMatch, "confirmation_insert_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		return Match{}, txErr
	}

	s.publish(EventMatchSubmitted, match)
	return match, nil
}

// ConfirmOutcome reports the state of the match after a confirmation attempt.
type ConfirmOutcome struct {
	Status           MatchStatus
	Confirmations    int64
	AlreadyConfirmed bool
	Applied          bool
}

// ConfirmMatch registers one participant's acknowledgement. Confirming an
// already-confirmed match, or confirming twice as the same player, succeeds
// without changing state. Meeting the threshold triggers the ledger apply
// inside the same transaction.
func (s *Service) ConfirmMatch(ctx context.Context, matchID MatchID, playerID PlayerID) (ConfirmOutcome, error) {
	var outcome ConfirmOutcome
	var match Match

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("match_id = ?", matchID.String()).
			Take(&match).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opConfirmMatch, "match_not_found", ErrMatchNotFound)
		}
		if err != nil {
			s.logError(opConfirmMatch, "match_select_failed", err, zap.String("match_id", matchID.String()))
			return newServiceError(opConfirmMatch, "match_select_failed", err)
		}

		if match.Status == MatchStatusConfirmed {
			outcome = ConfirmOutcome{
				Status:           match.Status,
				Confirmations:    match.ConfirmationCount,
				AlreadyConfirmed: true,
				Applied:          match.Applied,
			}
			return nil
		}

		if !match.IsParticipant(playerID.String()) {
			return newServiceError(opConfirmMatch, "not_participant", ErrNotParticipant)
		}

		var existing MatchConfirmation
		err = tx.Where("match_id = ? AND player_id = ?", matchID.String(), playerID.String()).
			Take(&existing).Error
		if err == nil {
			outcome = ConfirmOutcome{
				Status:           match.Status,
				Confirmations:    match.ConfirmationCount,
				AlreadyConfirmed: true,
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opConfirmMatch, "confirmation_select_failed", err, zap.String("match_id", matchID.String()))
			return newServiceError(opConfirmMatch, "confirmation_select_failed", err)
		}

		confirmation := MatchConfirmation{
			MatchID:            matchID.String(),
			PlayerID:           playerID.String(),
			ConfirmedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&confirmation).Error; err != nil {
			s.logError(opConfirmMatch, "confirmation_insert_failed", err, zap.String("match_id", matchID.String()))
			return newServiceError(opConfirmMatch, "confirmation_insert_failed", err)
		}

		var count int64
		if err := tx.Model(&MatchConfirmation{}).Where("match_id = ?", matchID.String()).Count(&count).Error; err != nil {
			s.logError(opConfirmMatch, "confirmation_count_failed", err, zap.String("match_id", matchID.String()))
			return newServiceError(opConfirmMatch, "confirmation_count_failed", err)
		}
		if err := tx.Model(&Match{}).Where("match_id = ?", matchID.String()).
			Update("confirmation_count", count).Error; err != nil {
			s.logError(opConfirmMatch, "match_update_failed", err, zap.String("match_id", matchID.String()))
			return newServiceError(opConfirmMatch, "match_update_failed", err)
		}
		match.ConfirmationCount = count

		if count >= confirmationThreshold {
			if err := s.applyLedger(tx, &match); err != nil {
				return err
			}
		}

		outcome = ConfirmOutcome{
			Status:        match.Status,
			Confirmations: match.ConfirmationCount,
			Applied:       match.Applied,
		}
		return nil
	})
	if txErr != nil {
		return ConfirmOutcome{}, txErr
	}

	if outcome.Applied && !outcome.AlreadyConfirmed {
		s.publish(EventMatchConfirmed, match)
	}
	return outcome, nil
}

// DeleteMatch removes a match at any lifecycle stage. Applied matches have
// their ledger entries reversed first, so standings return to the exact state
// they would hold had the match never been processed.
func (s *Service) DeleteMatch(ctx context.Context, matchID MatchID) error {
	var match Match

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("match_id = ?", matchID.String()).
			Take(&match).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteMatch, "match_not_found", ErrMatchNotFound)
		}
		if err != nil {
			s.logError(opDeleteMatch, "match_select_failed", err, zap.String("match_id", matchID.String()))
			return newServiceError(opDeleteMatch, "match_select_failed", err)
		}

		if err := s.reverseLedger(tx, &match); err != nil {
			return err
		}

		if err := tx.Where("match_id = ?", matchID.String()).Delete(&MatchConfirmation{}).Error; err != nil {
			s.logError(opDeleteMatch, "confirmation_delete_failed", err, zap.String("match_id", matchID.String()))
			return newServiceError(opDeleteMatch, "confirmation_delete_failed", err)
		}
		if err := tx.Where("match_id = ?", matchID.String()).Delete(&Match{}).Error; err != nil {
			s.logError(opDeleteMatch, "match_delete_failed", err, zap.String("match_id", matchID.String()))
			return newServiceError(opDeleteMatch, "match_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	s.publish(EventMatchDeleted, match)
	return nil
}

// Leaderboard returns all players ordered by rating descending; equal ratings
// order by player id ascending so the sequence is deterministic.
func (s *Service) Leaderboard(ctx context.Context) ([]Player, error) {
	var players []Player
	if err := s.db.WithContext(ctx).Find(&players).Error; err != nil {
		s.logError(opLeaderboard, "query_failed", err)
		return nil, newServiceError(opLeaderboard, "query_failed", err)
	}

	sort.Slice(players, func(i, j int) bool {
		if cmp := players[i].Rating.Cmp(players[j].Rating); cmp != 0 {
			return cmp > 0
		}
		return players[i].PlayerID < players[j].PlayerID
	})
	return players, nil
}

// MatchHistory pairs a match with its ledger entries, if any.
type MatchHistory struct {
	Match  Match
	Deltas []RatingDelta
}

// PlayerMatches returns the matches a player participates in, most recent
// first, each with its recorded rating deltas.
func (s *Service) PlayerMatches(ctx context.Context, playerID PlayerID) ([]MatchHistory, error) {
	var matches []Match
	id := playerID.String()
	err := s.db.WithContext(ctx).
		Where("team_a_player1 = ? OR team_a_player2 = ? OR team_b_player1 = ? OR team_b_player2 = ?", id, id, id, id).
		Order("created_at_s DESC, match_id DESC").
		Find(&matches).Error
	if err != nil {
		s.logError(opPlayerMatches, "query_failed", err, zap.String("player_id", id))
		return nil, newServiceError(opPlayerMatches, "query_failed", err)
	}

	return s.attachDeltas(ctx, opPlayerMatches, matches)
}

// ListMatches returns every match, most recent first, with ledger entries.
func (s *Service) ListMatches(ctx context.Context) ([]MatchHistory, error) {
	var matches []Match
	err := s.db.WithContext(ctx).
		Order("created_at_s DESC, match_id DESC").
		Find(&matches).Error
	if err != nil {
		s.logError(opListMatches, "query_failed", err)
		return nil, newServiceError(opListMatches, "query_failed", err)
	}

	return s.attachDeltas(ctx, opListMatches, matches)
}

func (s *Service) attachDeltas(ctx context.Context, operation string, matches []Match) ([]MatchHistory, error) {
	history := make([]MatchHistory, 0, len(matches))
	if len(matches) == 0 {
		return history, nil
	}

	matchIDs := make([]string, 0, len(matches))
	for _, match := range matches {
		matchIDs = append(matchIDs, match.MatchID)
	}

	var deltas []RatingDelta
	if err := s.db.WithContext(ctx).
		Where("match_id IN ?", matchIDs).
		Order("player_id ASC").
		Find(&deltas).Error; err != nil {
		s.logError(operation, "delta_query_failed", err)
		return nil, newServiceError(operation, "delta_query_failed", err)
	}

	byMatch := make(map[string][]RatingDelta, len(matches))
	for _, delta := range deltas {
		byMatch[delta.MatchID] = append(byMatch[delta.MatchID], delta)
	}
	for _, match := range matches {
		history = append(history, MatchHistory{Match: match, Deltas: byMatch[match.MatchID]})
	}
	return history, nil
}

// CreatePlayer registers a player at the initial rating. Creating an existing
// player is a no-op.
func (s *Service) CreatePlayer(ctx context.Context, playerID PlayerID) error {
	var player Player
	err := s.db.WithContext(ctx).
		Where("player_id = ?", playerID.String()).
		Attrs(Player{PlayerID: playerID.String(), Rating: InitialRating}).
		FirstOrCreate(&player).Error
	if err != nil {
		s.logError(opCreatePlayer, "insert_failed", err, zap.String("player_id", playerID.String()))
		return newServiceError(opCreatePlayer, "insert_failed", err)
	}
	return nil
}

// RemovePlayer drops a player from the standings. Recorded matches and ledger
// rows survive; the reversal path tolerates the missing player.
func (s *Service) RemovePlayer(ctx context.Context, playerID PlayerID) error {
	if err := s.db.WithContext(ctx).Where("player_id = ?", playerID.String()).Delete(&Player{}).Error; err != nil {
		s.logError(opRemovePlayer, "delete_failed", err, zap.String("player_id", playerID.String()))
		return newServiceError(opRemovePlayer, "delete_failed", err)
	}
	return nil
}

func (s *Service) publish(eventType EventType, match Match) {
	if s.events == nil {
		return
	}
	s.events.PublishMatchEvent(Event{
		Type:       eventType,
		MatchID:    match.MatchID,
		PlayerIDs:  match.Participants(),
		OccurredAt: s.clock().UTC(),
	})
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("rating service error", attrs...)
}
