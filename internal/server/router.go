package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/baraziliya/rank/backend/internal/rating"
	"github.com/baraziliya/rank/backend/internal/users"
)

const accountIDContextKey = "rank_account_id"

var (
	errMissingAccountsService = errors.New("accounts service dependency required")
	errMissingRatingService   = errors.New("rating service dependency required")
	errMissingTokenManager    = errors.New("token manager dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// SessionTokenManager issues and validates bearer tokens for logged-in accounts.
type SessionTokenManager interface {
	IssueToken(accountID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Accounts     *users.Service
	Ratings      *rating.Service
	TokenManager SessionTokenManager
	Events       *EventDispatcher
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccountsService
	}
	if deps.Ratings == nil {
		return nil, errMissingRatingService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		accounts: deps.Accounts,
		ratings:  deps.Ratings,
		tokens:   deps.TokenManager,
		events:   deps.Events,
		logger:   logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/leaderboard", handler.handleLeaderboard)
	protected.POST("/matches", handler.handleSubmitMatch)
	protected.POST("/matches/:id/confirm", handler.handleConfirmMatch)
	protected.GET("/matches/mine", handler.handleMyMatches)
	protected.GET("/events", handler.handleEvents)

	admin := protected.Group("/")
	admin.Use(handler.requireAdmin)
	admin.DELETE("/matches/:id", handler.handleDeleteMatch)
	admin.GET("/admin/matches", handler.handleListMatches)
	admin.GET("/admin/accounts", handler.handleListAccounts)
	admin.POST("/admin/accounts/:id/approve", handler.handleApproveAccount)
	admin.DELETE("/admin/accounts/:id", handler.handleDeleteAccount)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	accounts *users.Service
	ratings  *rating.Service
	tokens   SessionTokenManager
	events   *EventDispatcher
	logger   *zap.Logger
}

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type accountPayload struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	Approved  bool   `json:"approved"`
	Admin     bool   `json:"admin,omitempty"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.Register(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		switch {
		case errors.Is(err, users.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "username_taken"})
		case errors.Is(err, users.ErrInvalidUsername), errors.Is(err, users.ErrInvalidPassword):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		default:
			h.logger.Error("registration failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, accountPayload{
		AccountID: account.AccountID,
		Username:  account.Username,
		Approved:  account.IsApproved,
	})
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.Authenticate(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		switch {
		case errors.Is(err, users.ErrInvalidLogin):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		case errors.Is(err, users.ErrNotApproved):
			c.JSON(http.StatusForbidden, gin.H{"error": "pending_approval"})
		default:
			h.logger.Error("login failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		}
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(account.AccountID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(accountIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	accountID := c.GetString(accountIDContextKey)
	account, err := h.accounts.Account(c.Request.Context(), accountID)
	if err != nil || !account.IsAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_required"})
		return
	}
	c.Next()
}

type leaderboardEntryPayload struct {
	PlayerID      string `json:"player_id"`
	Rating        string `json:"rating"`
	MatchesPlayed int64  `json:"matches_played"`
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	players, err := h.ratings.Leaderboard(c.Request.Context())
	if err != nil {
		h.logger.Error("leaderboard query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "leaderboard_failed"})
		return
	}

	entries := make([]leaderboardEntryPayload, 0, len(players))
	for _, player := range players {
		entries = append(entries, leaderboardEntryPayload{
			PlayerID:      player.PlayerID,
			Rating:        player.Rating.String(),
			MatchesPlayed: player.MatchesPlayed,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type submitMatchPayload struct {
	TeamA       [2]string `json:"team_a"`
	TeamB       [2]string `json:"team_b"`
	WinningTeam string    `json:"winning_team"`
}

type deltaPayload struct {
	PlayerID string `json:"player_id"`
	Delta    string `json:"delta"`
}

type matchPayload struct {
	MatchID          string         `json:"match_id"`
	TeamA            [2]string      `json:"team_a"`
	TeamB            [2]string      `json:"team_b"`
	WinningTeam      string         `json:"winning_team"`
	SubmitterID      string         `json:"submitter_id"`
	Confirmations    int64          `json:"confirmations"`
	Status           string         `json:"status"`
	Applied          bool           `json:"applied"`
	CreatedAtSeconds int64          `json:"created_at_s"`
	Deltas           []deltaPayload `json:"rating_deltas,omitempty"`
}

func matchToPayload(match rating.Match, deltas []rating.RatingDelta) matchPayload {
	payload := matchPayload{
		MatchID:          match.MatchID,
		TeamA:            [2]string{match.TeamAPlayer1, match.TeamAPlayer2},
		TeamB:            [2]string{match.TeamBPlayer1, match.TeamBPlayer2},
		WinningTeam:      string(match.WinningTeam),
		SubmitterID:      match.SubmitterID,
		Confirmations:    match.ConfirmationCount,
		Status:           string(match.Status),
		Applied:          match.Applied,
		CreatedAtSeconds: match.CreatedAtSeconds,
	}
	for _, delta := range deltas {
		payload.Deltas = append(payload.Deltas, deltaPayload{
			PlayerID: delta.PlayerID,
			Delta:    delta.Delta.String(),
		})
	}
	return payload
}

func (h *httpHandler) handleSubmitMatch(c *gin.Context) {
	var request submitMatchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	submitterID, err := rating.NewPlayerID(c.GetString(accountIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	teamA, err := parseTeamSlots(request.TeamA)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	teamB, err := parseTeamSlots(request.TeamB)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	winner, err := rating.ParseTeam(request.WinningTeam)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_winning_team"})
		return
	}

	match, err := h.ratings.SubmitMatch(c.Request.Context(), submitterID, teamA, teamB, winner)
	if err != nil {
		h.respondRatingError(c, err, "submit_failed")
		return
	}

	c.JSON(http.StatusCreated, matchToPayload(match, nil))
}

func parseTeamSlots(raw [2]string) ([2]rating.PlayerID, error) {
	var slots [2]rating.PlayerID
	for i, value := range raw {
		id, err := rating.NewPlayerID(value)
		if err != nil {
			return slots, err
		}
		slots[i] = id
	}
	return slots, nil
}

type confirmResponsePayload struct {
	Status           string `json:"status"`
	Confirmations    int64  `json:"confirmations"`
	AlreadyConfirmed bool   `json:"already_confirmed"`
	Applied          bool   `json:"applied"`
}

func (h *httpHandler) handleConfirmMatch(c *gin.Context) {
	matchID, err := rating.NewMatchID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_match_id"})
		return
	}
	playerID, err := rating.NewPlayerID(c.GetString(accountIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	outcome, err := h.ratings.ConfirmMatch(c.Request.Context(), matchID, playerID)
	if err != nil {
		h.respondRatingError(c, err, "confirm_failed")
		return
	}

	c.JSON(http.StatusOK, confirmResponsePayload{
		Status:           string(outcome.Status),
		Confirmations:    outcome.Confirmations,
		AlreadyConfirmed: outcome.AlreadyConfirmed,
		Applied:          outcome.Applied,
	})
}

func (h *httpHandler) handleMyMatches(c *gin.Context) {
	playerID, err := rating.NewPlayerID(c.GetString(accountIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	history, err := h.ratings.PlayerMatches(c.Request.Context(), playerID)
	if err != nil {
		h.logger.Error("match history query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"matches": historyToPayload(history)})
}

func (h *httpHandler) handleListMatches(c *gin.Context) {
	history, err := h.ratings.ListMatches(c.Request.Context())
	if err != nil {
		h.logger.Error("match list query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"matches": historyToPayload(history)})
}

func historyToPayload(history []rating.MatchHistory) []matchPayload {
	payloads := make([]matchPayload, 0, len(history))
	for _, entry := range history {
		payloads = append(payloads, matchToPayload(entry.Match, entry.Deltas))
	}
	return payloads
}

func (h *httpHandler) handleDeleteMatch(c *gin.Context) {
	matchID, err := rating.NewMatchID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_match_id"})
		return
	}

	if err := h.ratings.DeleteMatch(c.Request.Context(), matchID); err != nil {
		h.respondRatingError(c, err, "delete_failed")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListAccounts(c *gin.Context) {
	var (
		accounts []users.Account
		err      error
	)
	if c.Query("pending") == "1" {
		accounts, err = h.accounts.PendingAccounts(c.Request.Context())
	} else {
		accounts, err = h.accounts.ApprovedAccounts(c.Request.Context())
	}
	if err != nil {
		h.logger.Error("account list query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payloads := make([]accountPayload, 0, len(accounts))
	for _, account := range accounts {
		payloads = append(payloads, accountPayload{
			AccountID: account.AccountID,
			Username:  account.Username,
			Approved:  account.IsApproved,
			Admin:     account.IsAdmin,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": payloads})
}

func (h *httpHandler) handleApproveAccount(c *gin.Context) {
	account, err := h.accounts.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, users.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
			return
		}
		h.logger.Error("account approval failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "approve_failed"})
		return
	}

	c.JSON(http.StatusOK, accountPayload{
		AccountID: account.AccountID,
		Username:  account.Username,
		Approved:  account.IsApproved,
		Admin:     account.IsAdmin,
	})
}

func (h *httpHandler) handleDeleteAccount(c *gin.Context) {
	targetID := c.Param("id")
	if targetID == c.GetString(accountIDContextKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot_delete_self"})
		return
	}

	if err := h.accounts.Delete(c.Request.Context(), targetID); err != nil {
		if errors.Is(err, users.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
			return
		}
		h.logger.Error("account deletion failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "events_unavailable"})
		return
	}
	playerID := c.GetString(accountIDContextKey)

	stream, cleanup := h.events.Subscribe(c.Request.Context(), playerID)
	defer cleanup()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), gin.H{
				"match_id":      event.MatchID,
				"occurred_at_s": event.OccurredAt.Unix(),
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) respondRatingError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, rating.ErrMatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "match_not_found"})
	case errors.Is(err, rating.ErrPlayerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "player_not_found"})
	case errors.Is(err, rating.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_participant"})
	case errors.Is(err, rating.ErrDuplicatePlayer):
		c.JSON(http.StatusBadRequest, gin.H{"error": "duplicate_player"})
	case errors.Is(err, rating.ErrInvalidTeam):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_winning_team"})
	default:
		h.logger.Error("rating operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
