package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/handlers"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

const testSecret = "operator-secret"

type stubService struct{}

func (stubService) PaymentStatus(context.Context, string) (*models.PaymentRequest, error) {
	return nil, models.ErrNotFound
}

func (stubService) ForceCheck(context.Context, string) (*models.ForceCheckResult, error) {
	return nil, models.ErrNotFound
}

func (stubService) Failed(context.Context, int) ([]models.WebhookDelivery, error) {
	return nil, nil
}

func (stubService) Replay(context.Context, string) (bool, error) { return false, nil }

func (stubService) Status(context.Context) (*models.ScanStatus, error) {
	return &models.ScanStatus{Chain: "ethereum", Head: 10}, nil
}

func newTestRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	return NewRouter(RouterConfig{
		Payments:       handlers.NewPaymentHandler(stubService{}, time.Second, logger),
		Admin:          handlers.NewAdminHandler(stubService{}, stubService{}, logger),
		AdminJWTSecret: secret,
		Logger:         logger,
	})
}

func token(t *testing.T, secret string, method jwt.SigningMethod, expires time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   "ops@example.com",
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func get(r http.Handler, path, bearer string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(testSecret)

	w := get(r, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), serviceName)

	w = get(r, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(r, "/payments/missing/status", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	r := newTestRouter(testSecret)
	hour := time.Now().Add(time.Hour)

	cases := []struct {
		name   string
		bearer string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", token(t, "other", jwt.SigningMethodHS256, hour), http.StatusUnauthorized},
		{"wrong algorithm", token(t, testSecret, jwt.SigningMethodHS512, hour), http.StatusUnauthorized},
		{"expired", token(t, testSecret, jwt.SigningMethodHS256, time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"valid", token(t, testSecret, jwt.SigningMethodHS256, hour), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := get(r, "/admin/scan", tc.bearer)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	r := newTestRouter("")
	w := get(r, "/admin/webhooks/failed", token(t, "any", jwt.SigningMethodHS256, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusForbidden, w.Code)
}
