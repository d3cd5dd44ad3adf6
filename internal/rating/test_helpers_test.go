package rating

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func mustPlayerID(t *testing.T, value string) PlayerID {
	t.Helper()
	id, err := NewPlayerID(value)
	if err != nil {
		t.Fatalf("unexpected player id error: %v", err)
	}
	return id
}

func mustMatchID(t *testing.T, value string) MatchID {
	t.Helper()
	id, err := NewMatchID(value)
	if err != nil {
		t.Fatalf("unexpected match id error: %v", err)
	}
	return id
}

func mustDecimal(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("unexpected decimal error: %v", err)
	}
	return parsed
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:rank_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Player{}, &Match{}, &MatchConfirmation{}, &RatingDelta{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	generator := &staticIDGenerator{ids: ids}
	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct rating service: %v", err)
	}

	return service, db
}

func seedPlayer(t *testing.T, db *gorm.DB, playerID, ratingValue string, matchesPlayed int64) {
	t.Helper()
	player := Player{
		PlayerID:      playerID,
		Rating:        mustDecimal(t, ratingValue),
		MatchesPlayed: matchesPlayed,
	}
	if err := db.Create(&player).Error; err != nil {
		t.Fatalf("failed to seed player %s: %v", playerID, err)
	}
}

func loadPlayer(t *testing.T, db *gorm.DB, playerID string) Player {
	t.Helper()
	var player Player
	if err := db.Where("player_id = ?", playerID).Take(&player).Error; err != nil {
		t.Fatalf("failed to load player %s: %v", playerID, err)
	}
	return player
}

func countDeltas(t *testing.T, db *gorm.DB, matchID string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&RatingDelta{}).Where("match_id = ?", matchID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count deltas: %v", err)
	}
	return count
}
