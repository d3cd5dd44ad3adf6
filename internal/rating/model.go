package rating

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Team identifies one side of a 2v2 match.
type Team string

const (
	// TeamA is the first pair of player slots.
	TeamA Team = "A"
	// TeamB is the second pair of player slots.
	TeamB Team = "B"
)

// MatchStatus enumerates the confirmation lifecycle of a match.
type MatchStatus string

const (
	// MatchStatusPending means the match still awaits participant confirmations.
	MatchStatusPending MatchStatus = "pending"
	// MatchStatusConfirmed is terminal; every participant has confirmed.
	MatchStatusConfirmed MatchStatus = "confirmed"
)

// confirmationThreshold is the number of distinct participant confirmations
// required before a match is confirmed. The submitter counts as the first.
const confirmationThreshold = 4

const maxIdentifierLength = 190

var (
	// ErrInvalidPlayerID indicates that a player identifier is empty or exceeds storage bounds.
	ErrInvalidPlayerID = errors.New("rating: invalid player id")
	// ErrInvalidMatchID indicates that a match identifier is empty or exceeds storage bounds.
	ErrInvalidMatchID = errors.New("rating: invalid match id")
	// ErrInvalidTeam indicates an unknown winning team value.
	ErrInvalidTeam = errors.New("rating: invalid team")
)

// InitialRating is the rating assigned to a freshly registered player.
var InitialRating = decimal.NewFromInt(1500)

// PlayerID represents a validated player identifier.
type PlayerID string

// NewPlayerID validates raw input and returns a PlayerID.
func NewPlayerID(rawInput string) (PlayerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPlayerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPlayerID, maxIdentifierLength)
	}
	return PlayerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PlayerID) String() string {
	return string(id)
}

// MatchID represents a validated match identifier.
type MatchID string

// NewMatchID validates raw input and returns a MatchID.
func NewMatchID(rawInput string) (MatchID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMatchID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidMatchID, maxIdentifierLength)
	}
	return MatchID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MatchID) String() string {
	return string(id)
}

// ParseTeam converts raw input to a Team value.
func ParseTeam(value string) (Team, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(TeamA):
		return TeamA, nil
	case string(TeamB):
		return TeamB, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTeam, value)
	}
}

// Player holds the current standing of one rated player. The rating and the
// match counter are mutated only through ledger apply and reverse.
type Player struct {
	PlayerID      string          `gorm:"column:player_id;primaryKey;size:190;not null"`
	Rating        decimal.Decimal `gorm:"column:rating;type:numeric;not null"`
	MatchesPlayed int64           `gorm:"column:matches_played;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Player) TableName() string {
	return "players"
}

// Match models one submitted 2v2 contest and its confirmation lifecycle.
type Match struct {
	MatchID           string      `gorm:"column:match_id;primaryKey;size:190;not null"`
	TeamAPlayer1      string      `gorm:"column:team_a_player1;size:190;not null"`
	TeamAPlayer2      string      `gorm:"column:team_a_player2;size:190;not null"`
	TeamBPlayer1      string      `gorm:"column:team_b_player1;size:190;not null"`
	TeamBPlayer2      string      `gorm:"column:team_b_player2;size:190;not null"`
	WinningTeam       Team        `gorm:"column:winning_team;size:1;not null"`
	SubmitterID       string      `gorm:"column:submitter_id;size:190;not null"`
	ConfirmationCount int64       `gorm:"column:confirmation_count;not null;default:0"`
	Status            MatchStatus `gorm:"column:status;size:20;not null"`
	Applied           bool        `gorm:"column:applied;not null;default:false"`
	CreatedAtSeconds  int64       `gorm:"column:created_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Match) TableName() string {
	return "matches"
}

// Participants returns the four player slots in team order.
func (m Match) Participants() []string {
	return []string{m.TeamAPlayer1, m.TeamAPlayer2, m.TeamBPlayer1, m.TeamBPlayer2}
}

// IsParticipant reports whether the player occupies one of the four slots.
func (m Match) IsParticipant(playerID string) bool {
	for _, participant := range m.Participants() {
		if participant == playerID {
			return true
		}
	}
	return false
}

// MatchConfirmation records one distinct participant acknowledgement. The
// composite key is what makes repeated confirmations by the same player inert.
type MatchConfirmation struct {
	MatchID            string `gorm:"column:match_id;primaryKey;size:190;not null"`
	PlayerID           string `gorm:"column:player_id;primaryKey;size:190;not null"`
	ConfirmedAtSeconds int64  `gorm:"column:confirmed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MatchConfirmation) TableName() string {
	return "match_confirmations"
}

// RatingDelta is the reversal log: the exact rating change applied to one
// player for one match. An applied match owns exactly four rows; an unapplied
// match owns none.
type RatingDelta struct {
	MatchID  string          `gorm:"column:match_id;primaryKey;size:190;not null"`
	PlayerID string          `gorm:"column:player_id;primaryKey;size:190;not null"`
	Delta    decimal.Decimal `gorm:"column:delta;type:numeric;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RatingDelta) TableName() string {
	return "rating_deltas"
}
