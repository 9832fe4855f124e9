package api

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/audit"
	apperrors "github.com/openidx/loginrisk/internal/common/errors"
	"github.com/openidx/loginrisk/internal/risk"
)

// Engine is the decision surface the handlers adapt. Implemented by
// *risk.Engine.
type Engine interface {
	Evaluate(ctx context.Context, event risk.LoginEvent) (risk.RiskDecision, error)
	Lookup(ctx context.Context, identity string) (*risk.IdentityRisk, error)
	ResetBaseline(ctx context.Context, identity string) error
}

// History returns recent audit records of an identity
type History interface {
	Recent(ctx context.Context, identity string, size int) ([]audit.Record, error)
}

// RetrainFunc retrains and publishes the anomaly model
type RetrainFunc func(ctx context.Context) error

// Handler serves the risk API
type Handler struct {
	engine         Engine
	history        History
	retrain        RetrainFunc
	retrainTimeout time.Duration
	retraining     atomic.Bool
	logger         *zap.Logger
}

// NewHandler creates a handler. history and retrain may be nil.
func NewHandler(engine Engine, history History, retrain RetrainFunc, logger *zap.Logger) *Handler {
	return &Handler{
		engine:         engine,
		history:        history,
		retrain:        retrain,
		retrainTimeout: 30 * time.Minute,
		logger:         logger.With(zap.String("component", "risk_api")),
	}
}

// RegisterRoutes mounts the risk routes under r
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/risk")
	{
		g.POST("/evaluate", h.Evaluate)
		g.GET("/users/:identity", h.GetIdentity)
		g.DELETE("/users/:identity/baseline", h.ResetBaseline)
		g.POST("/model/retrain", h.Retrain)
	}
}

// biometricPayload is the nested wire shape collected by the login page.
// Every sub-field is required; a zero would otherwise become a baseline.
type biometricPayload struct {
	Mouse *struct {
		AvgVelocity   *float64 `json:"avgVelocity"`
		TotalDistance *float64 `json:"totalDistance"`
	} `json:"mouse"`
	Keyboard *struct {
		AvgDwellTime  *float64 `json:"avgDwellTime"`
		AvgFlightTime *float64 `json:"avgFlightTime"`
	} `json:"keyboard"`
}

func (b *biometricPayload) toSample() (*risk.BiometricSample, error) {
	var missing []string
	if b.Mouse == nil {
		missing = append(missing, "mouse")
	} else {
		if b.Mouse.AvgVelocity == nil {
			missing = append(missing, "mouse.avgVelocity")
		}
		if b.Mouse.TotalDistance == nil {
			missing = append(missing, "mouse.totalDistance")
		}
	}
	if b.Keyboard == nil {
		missing = append(missing, "keyboard")
	} else {
		if b.Keyboard.AvgDwellTime == nil {
			missing = append(missing, "keyboard.avgDwellTime")
		}
		if b.Keyboard.AvgFlightTime == nil {
			missing = append(missing, "keyboard.avgFlightTime")
		}
	}
	if len(missing) > 0 {
		return nil, apperrors.ValidationError("Incomplete biometric sample").
			WithDetails("missing " + strings.Join(missing, ", "))
	}
	return &risk.BiometricSample{
		MouseVelocity:   *b.Mouse.AvgVelocity,
		MouseDistance:   *b.Mouse.TotalDistance,
		KeystrokeDwell:  *b.Keyboard.AvgDwellTime,
		KeystrokeFlight: *b.Keyboard.AvgFlightTime,
	}, nil
}

// EvaluateRequest is the body of POST /risk/evaluate. Omitted timestamp,
// source address and user agent are taken from the request itself.
type EvaluateRequest struct {
	Identity        string            `json:"identity"`
	Timestamp       *time.Time        `json:"timestamp,omitempty"`
	SourceAddress   string            `json:"sourceAddress"`
	UserAgent       string            `json:"userAgent"`
	ClaimedLocation string            `json:"claimedLocation"`
	BiometricSample *biometricPayload `json:"biometricSample,omitempty"`
}

func (req *EvaluateRequest) toEvent(c *gin.Context) (risk.LoginEvent, error) {
	event := risk.LoginEvent{
		Identity:        strings.TrimSpace(req.Identity),
		Timestamp:       time.Now().UTC(),
		SourceAddress:   req.SourceAddress,
		UserAgent:       req.UserAgent,
		ClaimedLocation: req.ClaimedLocation,
	}
	if req.Timestamp != nil {
		event.Timestamp = *req.Timestamp
	}
	if event.SourceAddress == "" {
		event.SourceAddress = c.ClientIP()
	}
	if event.UserAgent == "" {
		event.UserAgent = c.Request.UserAgent()
	}
	if b := req.BiometricSample; b != nil {
		sample, err := b.toSample()
		if err != nil {
			return event, err
		}
		event.Biometrics = sample
	}
	return event, nil
}

// Evaluate scores one login attempt. Allow and Deny are both 200; only
// invalid requests and an unserved model change the status.
func (h *Handler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("Invalid request body").WithDetails(err.Error()))
		return
	}

	event, err := req.toEvent(c)
	c.Set("identity", event.Identity)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	decision, err := h.engine.Evaluate(c.Request.Context(), event)
	if err != nil && (apperrors.IsErrorCode(err, apperrors.ErrValidation) ||
		apperrors.IsErrorCode(err, apperrors.ErrModelUnavailable)) {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

// GetIdentity returns the stored profile, baseline and risk score
func (h *Handler) GetIdentity(c *gin.Context) {
	identity := c.Param("identity")
	c.Set("identity", identity)

	info, err := h.engine.Lookup(c.Request.Context(), identity)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	resp := gin.H{
		"identity":  info.Identity,
		"riskScore": info.RiskScore,
		"profile":   info.Profile,
		"baseline":  info.Baseline,
	}
	if h.history != nil {
		records, err := h.history.Recent(c.Request.Context(), identity, 10)
		if err != nil {
			h.logger.Warn("Failed to load decision history", zap.String("identity", identity), zap.Error(err))
		} else {
			resp["recentDecisions"] = records
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ResetBaseline revokes an identity's biometric baseline
func (h *Handler) ResetBaseline(c *gin.Context) {
	identity := c.Param("identity")
	c.Set("identity", identity)

	if err := h.engine.ResetBaseline(c.Request.Context(), identity); err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Retrain starts an out-of-band retrain and returns immediately
func (h *Handler) Retrain(c *gin.Context) {
	if h.retrain == nil {
		apperrors.HandleError(c, apperrors.New(apperrors.ErrNotFound, "Retraining is not enabled", http.StatusNotFound))
		return
	}
	if !h.retraining.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"status": "in_progress"})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		defer h.retraining.Store(false)
		ctx, cancel := context.WithTimeout(ctx, h.retrainTimeout)
		defer cancel()

		start := time.Now()
		if err := h.retrain(ctx); err != nil {
			h.logger.Error("Model retrain failed", zap.Error(err))
			return
		}
		h.logger.Info("Model retrain completed", zap.Duration("duration", time.Since(start)))
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
