package org

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(store Store) *gin.Engine {
	r := gin.New()
	NewHandler(store).RegisterRoutes(r.Group("/api/v1"))
	return r
}

func TestCreateOrganization(t *testing.T) {
	store := NewMemoryStore()
	r := setupRouter(store)

	body, _ := json.Marshal(map[string]interface{}{
		"name":                 "Acme Corp",
		"githubInstallationId": 42,
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/organizations", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var created Organization
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Acme Corp", created.Name)
	assert.Equal(t, DecisionDeny, created.AccessDecision)
	assert.Equal(t, int64(42), created.GithubInstallationID)

	// Persisted and retrievable by installation id.
	got, err := store.GetByInstallationID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestCreateOrganizationValidation(t *testing.T) {
	r := setupRouter(NewMemoryStore())

	cases := []struct {
		name string
		body string
	}{
		{"missing name", `{}`},
		{"too short", `{"name":"ab"}`},
		{"bad characters", `{"name":"acme<script>"}`},
		{"not json", `name=acme`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/organizations", bytes.NewReader([]byte(tc.body)))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetStatus(t *testing.T) {
	store := NewMemoryStore()
	o := New("org_1", "acme")
	o.SubscriptionStatus = SubscriptionActive
	o.InstallationStatus = InstallationActive
	o.AccessDecision = Decide(o.SubscriptionStatus, o.InstallationStatus)
	require.NoError(t, store.Create(context.Background(), o))

	r := setupRouter(store)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations/org_1/status", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ALLOW", resp["accessDecision"])
	assert.Equal(t, "ACTIVE", resp["subscriptionStatus"])
	assert.Equal(t, "ACTIVE", resp["installationStatus"])
}

func TestGetStatusNotFound(t *testing.T) {
	r := setupRouter(NewMemoryStore())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations/org_missing/status", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListProcessedEvents(t *testing.T) {
	store := NewMemoryStore()
	o := New("org_1", "acme")
	o.RecordEvent(ProcessedEvent{
		Source:  SourceBilling,
		EventID: "evt_1",
		Outcome: "applied",
		SeenAt:  time.Now().UTC(),
	}, 72*time.Hour, 512)
	require.NoError(t, store.Create(context.Background(), o))

	r := setupRouter(store)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations/org_1/events", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Events []ProcessedEvent `json:"events"`
		Count  int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "evt_1", resp.Events[0].EventID)
}

func TestListProcessedEventsEmpty(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), New("org_1", "acme")))

	r := setupRouter(store)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations/org_1/events", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"events":[]`)
}
