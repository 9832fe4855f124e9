package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/anomaly"
	"github.com/openidx/loginrisk/internal/audit"
	apperrors "github.com/openidx/loginrisk/internal/common/errors"
	"github.com/openidx/loginrisk/internal/common/logger"
	"github.com/openidx/loginrisk/internal/common/testutil"
	"github.com/openidx/loginrisk/internal/risk"
)

type stubModel struct {
	anomalous bool
	err       error
}

func (m *stubModel) Infer(context.Context, anomaly.Vector) (anomaly.Result, error) {
	if m.err != nil {
		return anomaly.Result{}, m.err
	}
	return anomaly.Result{Anomalous: m.anomalous, Score: 0.5, Threshold: 0.6, Schema: anomaly.SchemaStandard}, nil
}

type stubHistory struct{}

func (stubHistory) Recent(_ context.Context, identity string, _ int) ([]audit.Record, error) {
	return []audit.Record{{ID: "1", Identity: identity, Decision: "Allow"}}, nil
}

func setupRouter(t *testing.T, model *stubModel, retrain RetrainFunc) *gin.Engine {
	t.Helper()
	mock := testutil.NewMockRedis(t)
	store := risk.NewRedisStore(mock.Client, risk.DefaultRedisStoreConfig(), zap.NewNop())
	engine := risk.NewEngine(risk.DefaultEngineConfig(), store, model, nil, zap.NewNop())

	router := gin.New()
	router.Use(logger.RequestID())
	v1 := router.Group("/api/v1")
	v1.Use(VersionMiddleware("1.0", []string{"1.0"}))
	NewHandler(engine, stubHistory{}, retrain, zap.NewNop()).RegisterRoutes(v1)
	return router
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "test-agent")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func evaluateBody(identity string) map[string]interface{} {
	return map[string]interface{}{
		"identity":        identity,
		"timestamp":       time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		"sourceAddress":   "192.0.2.10",
		"claimedLocation": "Berlin",
		"biometricSample": map[string]interface{}{
			"mouse":    map[string]float64{"avgVelocity": 300, "totalDistance": 1500},
			"keyboard": map[string]float64{"avgDwellTime": 100, "avgFlightTime": 40},
		},
	}
}

func TestEvaluate_Allow(t *testing.T) {
	router := setupRouter(t, &stubModel{}, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/risk/evaluate", evaluateBody("alice"))
	require.Equal(t, http.StatusOK, w.Code)

	var decision risk.RiskDecision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.Equal(t, risk.DecisionAllow, decision.Decision)
	assert.Equal(t, []string{risk.ReasonBaselineEnrolled}, decision.Reasons)

	w = doJSON(router, http.MethodGet, "/api/v1/risk/users/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info struct {
		RiskScore int                    `json:"riskScore"`
		Profile   risk.UserProfile       `json:"profile"`
		Baseline  risk.BiometricBaseline `json:"baseline"`
		Recent    []audit.Record         `json:"recentDecisions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, 0, info.RiskScore)
	assert.Equal(t, "test-agent", info.Profile.LastUserAgent, "user agent defaults to the request header")
	assert.Equal(t, 300.0, info.Baseline.MouseVelocity)
	assert.Equal(t, 1500.0, info.Baseline.MouseDistance)
	assert.Equal(t, 100.0, info.Baseline.KeystrokeDwell)
	assert.Equal(t, 40.0, info.Baseline.KeystrokeFlight)
	assert.Len(t, info.Recent, 1)
}

func TestEvaluate_DenyIsOK(t *testing.T) {
	router := setupRouter(t, &stubModel{anomalous: true}, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/risk/evaluate", evaluateBody("mallory"))
	require.Equal(t, http.StatusOK, w.Code)

	var decision risk.RiskDecision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.Equal(t, risk.DecisionDeny, decision.Decision)
	assert.True(t, decision.RequiresStepUp)

	w = doJSON(router, http.MethodGet, "/api/v1/risk/users/mallory", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"riskScore":15`)
}

func TestEvaluate_Invalid(t *testing.T) {
	router := setupRouter(t, &stubModel{}, nil)

	body := evaluateBody("alice")
	body["sourceAddress"] = "not-an-ip"
	w := doJSON(router, http.MethodPost, "/api/v1/risk/evaluate", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.ErrValidation, resp.Error)
	assert.NotEmpty(t, resp.RequestID)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/risk/evaluate", bytes.NewBufferString("{"))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvaluate_PartialBiometricSampleRejected(t *testing.T) {
	router := setupRouter(t, &stubModel{}, nil)

	tests := []struct {
		name    string
		sample  map[string]interface{}
		missing string
	}{
		{
			name:    "mouse distance and keyboard missing",
			sample:  map[string]interface{}{"mouse": map[string]float64{"avgVelocity": 300}},
			missing: "missing mouse.totalDistance, keyboard",
		},
		{
			name: "keyboard flight time missing",
			sample: map[string]interface{}{
				"mouse":    map[string]float64{"avgVelocity": 300, "totalDistance": 1500},
				"keyboard": map[string]float64{"avgDwellTime": 100},
			},
			missing: "missing keyboard.avgFlightTime",
		},
		{
			name:    "empty sample",
			sample:  map[string]interface{}{},
			missing: "missing mouse, keyboard",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := map[string]interface{}{
				"identity":        "mallory",
				"sourceAddress":   "192.0.2.10",
				"biometricSample": tt.sample,
			}
			w := doJSON(router, http.MethodPost, "/api/v1/risk/evaluate", body)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, apperrors.ErrValidation, resp.Error)
			assert.Equal(t, tt.missing, resp.Details)
		})
	}

	w := doJSON(router, http.MethodGet, "/api/v1/risk/users/mallory", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "rejected samples must not create a profile or baseline")

	w = doJSON(router, http.MethodPost, "/api/v1/risk/evaluate", evaluateBody("mallory"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), risk.ReasonBaselineEnrolled)

	w = doJSON(router, http.MethodGet, "/api/v1/risk/users/mallory", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info struct {
		Baseline risk.BiometricBaseline `json:"baseline"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, 1500.0, info.Baseline.MouseDistance)
	assert.Equal(t, 1, info.Baseline.ConfirmedLogins)
}

func TestEvaluate_ModelUnavailable(t *testing.T) {
	router := setupRouter(t, &stubModel{err: apperrors.ModelUnavailable("no standard model artifact", anomaly.ErrArtifactNotFound)}, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/risk/evaluate", evaluateBody("alice"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "artifact", "root cause stays in the logs")
}

func TestEvaluate_InternalErrorStillDecides(t *testing.T) {
	router := setupRouter(t, &stubModel{err: errors.New("boom")}, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/risk/evaluate", evaluateBody("alice"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"decision":"Deny","requiresStepUp":false,"reasons":["internal_error"]}`, w.Body.String())
}

func TestResetBaseline(t *testing.T) {
	router := setupRouter(t, &stubModel{}, nil)

	w := doJSON(router, http.MethodGet, "/api/v1/risk/users/nobody", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	doJSON(router, http.MethodPost, "/api/v1/risk/evaluate", evaluateBody("alice"))
	w = doJSON(router, http.MethodDelete, "/api/v1/risk/users/alice/baseline", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/risk/users/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"baseline":null`)
}

func TestRetrain(t *testing.T) {
	var mu sync.Mutex
	release := make(chan struct{})
	calls := 0
	done := make(chan struct{})
	retrain := func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		close(done)
		return nil
	}
	router := setupRouter(t, &stubModel{}, retrain)

	w := doJSON(router, http.MethodPost, "/api/v1/risk/model/retrain", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/risk/model/retrain", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(release)
	<-done
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestRetrain_Disabled(t *testing.T) {
	router := setupRouter(t, &stubModel{}, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/risk/model/retrain", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
