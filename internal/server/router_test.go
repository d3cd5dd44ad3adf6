package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/baraziliya/rank/backend/internal/auth"
	"github.com/baraziliya/rank/backend/internal/rating"
	"github.com/baraziliya/rank/backend/internal/users"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type sequentialIDGenerator struct {
	next int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

type routerEnvironment struct {
	handler  http.Handler
	accounts *users.Service
	ratings  *rating.Service
	db       *gorm.DB
}

func newRouterEnvironment(t *testing.T) *routerEnvironment {
	t.Helper()

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&users.Account{}, &rating.Player{}, &rating.Match{}, &rating.MatchConfirmation{}, &rating.RatingDelta{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	generator := &sequentialIDGenerator{}
	dispatcher := NewEventDispatcher()
	ratingService, err := rating.NewService(rating.ServiceConfig{
		Database:   db,
		IDProvider: generator,
		Events:     dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build rating service: %v", err)
	}
	accountService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: generator,
		Players:    ratingService,
	})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "rank-auth",
		Audience:      "rank-api",
	})
	handler, err := NewHTTPHandler(Dependencies{
		Accounts:     accountService,
		Ratings:      ratingService,
		TokenManager: issuer,
		Events:       dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &routerEnvironment{
		handler:  handler,
		accounts: accountService,
		ratings:  ratingService,
		db:       db,
	}
}

func (e *routerEnvironment) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

// registerApprovedPlayer registers through the HTTP surface, approves through
// the service, and returns the account id and a session token.
func (e *routerEnvironment) registerApprovedPlayer(t *testing.T, username string) (string, string) {
	t.Helper()

	recorder := e.request(t, http.MethodPost, "/auth/register", "", credentialsPayload{Username: username, Password: "secret"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 from register, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var account accountPayload
	decodeBody(t, recorder, &account)

	if _, err := e.accounts.Approve(context.Background(), account.AccountID); err != nil {
		t.Fatalf("unexpected approve error: %v", err)
	}

	recorder = e.request(t, http.MethodPost, "/auth/login", "", credentialsPayload{Username: username, Password: "secret"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var login loginResponsePayload
	decodeBody(t, recorder, &login)
	if login.TokenType != "Bearer" || login.AccessToken == "" {
		t.Fatalf("unexpected login payload %+v", login)
	}
	return account.AccountID, login.AccessToken
}

func (e *routerEnvironment) adminToken(t *testing.T) string {
	t.Helper()
	if _, err := e.accounts.EnsureAdmin(context.Background(), "admin", "admin-secret"); err != nil {
		t.Fatalf("unexpected admin bootstrap error: %v", err)
	}
	recorder := e.request(t, http.MethodPost, "/auth/login", "", credentialsPayload{Username: "admin", Password: "admin-secret"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from admin login, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var login loginResponsePayload
	decodeBody(t, recorder, &login)
	return login.AccessToken
}

func TestProtectedRoutesRejectMissingAuthorization(t *testing.T) {
	env := newRouterEnvironment(t)

	recorder := env.request(t, http.MethodGet, "/leaderboard", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestLogsInvalidToken(t *testing.T) {
	env := newRouterEnvironment(t)
	core, logs := observer.New(zap.WarnLevel)

	handler, err := NewHTTPHandler(Dependencies{
		Accounts:     env.accounts,
		Ratings:      env.ratings,
		TokenManager: stubTokenManager{err: errors.New("bad signature")},
		Logger:       zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/leaderboard", nil)
	request.Header.Set("Authorization", "Bearer garbage")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if logs.FilterMessage("token validation failed").Len() != 1 {
		t.Fatalf("expected a token validation warning, got %d entries", logs.Len())
	}
}

type stubTokenManager struct {
	subject string
	err     error
}

func (s stubTokenManager) IssueToken(string) (string, int64, error) {
	return "stub-token", 3600, nil
}

func (s stubTokenManager) ValidateToken(string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.subject, nil
}

func TestCORSPreflightAllowsBrowserClients(t *testing.T) {
	env := newRouterEnvironment(t)

	request := httptest.NewRequest(http.MethodOptions, "/matches", nil)
	request.Header.Set("Origin", "http://example.test")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}

func TestMatchLifecycleOverHTTP(t *testing.T) {
	env := newRouterEnvironment(t)

	ids := make([]string, 0, 4)
	tokens := make(map[string]string)
	for _, username := range []string{"p-one", "p-two", "p-three", "p-four"} {
		accountID, token := env.registerApprovedPlayer(t, username)
		ids = append(ids, accountID)
		tokens[accountID] = token
	}

	recorder := env.request(t, http.MethodPost, "/matches", tokens[ids[0]], submitMatchPayload{
		TeamA:       [2]string{ids[0], ids[1]},
		TeamB:       [2]string{ids[2], ids[3]},
		WinningTeam: "A",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 from submit, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var match matchPayload
	decodeBody(t, recorder, &match)
	if match.Status != "pending" || match.Confirmations != 1 {
		t.Fatalf("unexpected submit payload %+v", match)
	}

	for _, confirmer := range []string{ids[1], ids[2]} {
		recorder = env.request(t, http.MethodPost, "/matches/"+match.MatchID+"/confirm", tokens[confirmer], nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected 200 from confirm, got %d: %s", recorder.Code, recorder.Body.String())
		}
		var outcome confirmResponsePayload
		decodeBody(t, recorder, &outcome)
		if outcome.Applied {
			t.Fatalf("match applied before threshold: %+v", outcome)
		}
	}

	recorder = env.request(t, http.MethodPost, "/matches/"+match.MatchID+"/confirm", tokens[ids[3]], nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from final confirm, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var outcome confirmResponsePayload
	decodeBody(t, recorder, &outcome)
	if outcome.Status != "confirmed" || !outcome.Applied || outcome.Confirmations != 4 {
		t.Fatalf("unexpected final confirm payload %+v", outcome)
	}

	recorder = env.request(t, http.MethodGet, "/leaderboard", tokens[ids[0]], nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from leaderboard, got %d", recorder.Code)
	}
	var board struct {
		Entries []leaderboardEntryPayload `json:"entries"`
	}
	decodeBody(t, recorder, &board)
	if len(board.Entries) != 4 {
		t.Fatalf("expected 4 leaderboard entries, got %d", len(board.Entries))
	}
	if board.Entries[0].Rating != "1516" || board.Entries[3].Rating != "1484" {
		t.Fatalf("unexpected ratings %+v", board.Entries)
	}

	recorder = env.request(t, http.MethodGet, "/matches/mine", tokens[ids[0]], nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from history, got %d", recorder.Code)
	}
	var history struct {
		Matches []matchPayload `json:"matches"`
	}
	decodeBody(t, recorder, &history)
	if len(history.Matches) != 1 || len(history.Matches[0].Deltas) != 4 {
		t.Fatalf("unexpected history payload %+v", history)
	}
}

func TestConfirmByOutsiderIsForbidden(t *testing.T) {
	env := newRouterEnvironment(t)

	ids := make([]string, 0, 5)
	tokens := make(map[string]string)
	for _, username := range []string{"p-one", "p-two", "p-three", "p-four", "p-five"} {
		accountID, token := env.registerApprovedPlayer(t, username)
		ids = append(ids, accountID)
		tokens[accountID] = token
	}

	recorder := env.request(t, http.MethodPost, "/matches", tokens[ids[0]], submitMatchPayload{
		TeamA:       [2]string{ids[0], ids[1]},
		TeamB:       [2]string{ids[2], ids[3]},
		WinningTeam: "B",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 from submit, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var match matchPayload
	decodeBody(t, recorder, &match)

	recorder = env.request(t, http.MethodPost, "/matches/"+match.MatchID+"/confirm", tokens[ids[4]], nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider confirmation, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestDeleteMatchRequiresAdmin(t *testing.T) {
	env := newRouterEnvironment(t)

	ids := make([]string, 0, 4)
	tokens := make(map[string]string)
	for _, username := range []string{"p-one", "p-two", "p-three", "p-four"} {
		accountID, token := env.registerApprovedPlayer(t, username)
		ids = append(ids, accountID)
		tokens[accountID] = token
	}
	adminToken := env.adminToken(t)

	recorder := env.request(t, http.MethodPost, "/matches", tokens[ids[0]], submitMatchPayload{
		TeamA:       [2]string{ids[0], ids[1]},
		TeamB:       [2]string{ids[2], ids[3]},
		WinningTeam: "A",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 from submit, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var match matchPayload
	decodeBody(t, recorder, &match)
	for _, confirmer := range []string{ids[1], ids[2], ids[3]} {
		if recorder = env.request(t, http.MethodPost, "/matches/"+match.MatchID+"/confirm", tokens[confirmer], nil); recorder.Code != http.StatusOK {
			t.Fatalf("expected 200 from confirm, got %d: %s", recorder.Code, recorder.Body.String())
		}
	}

	recorder = env.request(t, http.MethodDelete, "/matches/"+match.MatchID, tokens[ids[0]], nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin delete, got %d", recorder.Code)
	}

	recorder = env.request(t, http.MethodDelete, "/matches/"+match.MatchID, adminToken, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for admin delete, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = env.request(t, http.MethodGet, "/leaderboard", tokens[ids[0]], nil)
	var board struct {
		Entries []leaderboardEntryPayload `json:"entries"`
	}
	decodeBody(t, recorder, &board)
	for _, entry := range board.Entries {
		if entry.Rating != "1500" {
			t.Fatalf("expected reversal back to 1500, got %+v", entry)
		}
		if entry.MatchesPlayed != 0 {
			t.Fatalf("expected matches played reset, got %+v", entry)
		}
	}
}

func TestAdminAccountEndpoints(t *testing.T) {
	env := newRouterEnvironment(t)
	adminToken := env.adminToken(t)

	recorder := env.request(t, http.MethodPost, "/auth/register", "", credentialsPayload{Username: "newcomer", Password: "secret"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 from register, got %d", recorder.Code)
	}
	var registered accountPayload
	decodeBody(t, recorder, &registered)

	recorder = env.request(t, http.MethodGet, "/admin/accounts?pending=1", adminToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from pending listing, got %d", recorder.Code)
	}
	var listing struct {
		Accounts []accountPayload `json:"accounts"`
	}
	decodeBody(t, recorder, &listing)
	if len(listing.Accounts) != 1 || listing.Accounts[0].AccountID != registered.AccountID {
		t.Fatalf("unexpected pending listing %+v", listing.Accounts)
	}

	recorder = env.request(t, http.MethodPost, "/admin/accounts/"+registered.AccountID+"/approve", adminToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from approve, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var approved accountPayload
	decodeBody(t, recorder, &approved)
	if !approved.Approved {
		t.Fatalf("expected approved account, got %+v", approved)
	}

	recorder = env.request(t, http.MethodDelete, "/admin/accounts/"+registered.AccountID, adminToken, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from delete, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = env.request(t, http.MethodGet, "/admin/accounts?pending=1", adminToken, nil)
	decodeBody(t, recorder, &listing)
	if len(listing.Accounts) != 0 {
		t.Fatalf("expected no pending accounts, got %+v", listing.Accounts)
	}
}

func TestAdminCannotDeleteOwnAccount(t *testing.T) {
	env := newRouterEnvironment(t)
	adminToken := env.adminToken(t)

	admin, err := env.accounts.Authenticate(context.Background(), "admin", "admin-secret")
	if err != nil {
		t.Fatalf("unexpected authenticate error: %v", err)
	}

	recorder := env.request(t, http.MethodDelete, "/admin/accounts/"+admin.AccountID, adminToken, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for self-delete, got %d: %s", recorder.Code, recorder.Body.String())
	}
}
