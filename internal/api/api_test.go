package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/apex-trader/internal/api"
	"github.com/ksred/apex-trader/internal/auth"
	"github.com/ksred/apex-trader/internal/checkpoint"
	"github.com/ksred/apex-trader/internal/database"
	"github.com/ksred/apex-trader/internal/reconcile"
	"github.com/ksred/apex-trader/internal/state"
	"github.com/ksred/apex-trader/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	sessionID string
	summary   *reconcile.Summary
}

func (s *stubEngine) TriggerRecovery(ctx context.Context) (*reconcile.Summary, error) {
	return s.summary, nil
}

func (s *stubEngine) SessionID() string { return s.sessionID }

type testServer struct {
	router  *gin.Engine
	token   string
	service *state.Service
}

// nextIP is package-level: the rate limiter's visitor map is shared across
// the whole process, so client addresses must be unique across all tests.
var nextIP atomic.Int64

func newTestServer(t *testing.T) (*testServer, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	stateService := state.NewService(db)
	sessionID, err := stateService.CreateSession([]string{"MSFT"}, 100000, nil)
	require.NoError(t, err)

	authService := auth.NewService("test-jwt-secret")
	authService.RegisterAPICredentials("ops-key", "ops-secret")

	engine := &stubEngine{
		sessionID: sessionID,
		summary:   &reconcile.Summary{Matched: 1, Imported: 2, Closed: 3},
	}

	router := gin.New()
	api.SetupRoutes(router, auth.NewGinHandlers(authService), authService,
		api.NewGinHandlers(stateService, checkpoint.NewManager(db), engine))

	token, err := authService.GenerateToken(auth.Credentials{APIKey: "ops-key", APISecret: "ops-secret"})
	require.NoError(t, err)

	return &testServer{router: router, token: token.Token, service: stateService}, sessionID
}

// request sends one authenticated request from a fresh client address so the
// per-client rate limiter never interferes across calls.
func (s *testServer) request(method, path string, body []byte, withToken bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	n := nextIP.Add(1)
	req.RemoteAddr = fmt.Sprintf("10.1.%d.%d:51000", n/250, n%250)
	if withToken {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestTokenEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(auth.Credentials{APIKey: "ops-key", APISecret: "ops-secret"})
	w := s.request(http.MethodPost, "/api/v1/auth/token", body, false)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Success bool               `json:"success"`
		Data    auth.TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Data.Token)
}

func TestTokenEndpointRejectsBadSecret(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(auth.Credentials{APIKey: "ops-key", APISecret: "wrong"})
	w := s.request(http.MethodPost, "/api/v1/auth/token", body, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestQueriesRequireToken(t *testing.T) {
	s, _ := newTestServer(t)

	w := s.request(http.MethodGet, "/api/v1/session", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetSession(t *testing.T) {
	s, sessionID := newTestServer(t)

	w := s.request(http.MethodGet, "/api/v1/session", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool                 `json:"success"`
		Data    types.TradingSession `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, sessionID, resp.Data.SessionID)
	assert.Equal(t, types.SessionActive, resp.Data.Status)
}

func TestGetPositionsOpenFilter(t *testing.T) {
	s, sessionID := newTestServer(t)

	_, err := s.service.SavePosition(&types.Position{
		SessionID:  sessionID,
		Symbol:     "MSFT",
		Direction:  types.DirectionLong,
		EntryTime:  time.Now(),
		EntryPrice: 380.25,
		Quantity:   50,
	})
	require.NoError(t, err)
	require.NoError(t, s.service.ClosePosition(sessionID, "MSFT", 395.45, time.Now(), types.ExitReasonTakeProfit, false))
	_, err = s.service.SavePosition(&types.Position{
		SessionID:  sessionID,
		Symbol:     "MSFT",
		Direction:  types.DirectionLong,
		EntryTime:  time.Now(),
		EntryPrice: 390.00,
		Quantity:   25,
	})
	require.NoError(t, err)

	var resp struct {
		Data []types.Position `json:"data"`
	}

	w := s.request(http.MethodGet, "/api/v1/positions", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)

	w = s.request(http.MethodGet, "/api/v1/positions?status=open", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	resp.Data = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, types.PositionOpen, resp.Data[0].Status)
}

func TestTriggerRecovery(t *testing.T) {
	s, _ := newTestServer(t)

	w := s.request(http.MethodPost, "/api/v1/internal/recovery", nil, true)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Success bool              `json:"success"`
		Data    reconcile.Summary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Data.Matched)
	assert.Equal(t, 2, resp.Data.Imported)
	assert.Equal(t, 3, resp.Data.Closed)
}
