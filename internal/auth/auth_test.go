package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/restro-orders/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	v := NewVerifier("test-secret")
	restaurantID := uuid.New()
	p := models.Principal{
		UserID:       uuid.New(),
		Email:        "chef@example.com",
		Name:         "Chef",
		Role:         models.RoleStaff,
		RestaurantID: &restaurantID,
	}

	token, err := v.Sign(p, time.Hour)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, p.UserID, got.UserID)
	assert.Equal(t, p.Role, got.Role)
	assert.Equal(t, p.Email, got.Email)
	require.NotNil(t, got.RestaurantID)
	assert.Equal(t, restaurantID, *got.RestaurantID)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("test-secret")
	p := models.Principal{UserID: uuid.New(), Role: models.RoleCustomer}

	expired, err := v.Sign(p, -time.Minute)
	require.NoError(t, err)
	otherKey, err := NewVerifier("other-secret").Sign(p, time.Hour)
	require.NoError(t, err)
	badRole, err := v.Sign(models.Principal{UserID: uuid.New(), Role: "chef"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong secret", otherKey},
		{"unknown role", badRole},
		{"garbage", "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestMiddleware(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	v := NewVerifier("test-secret")
	p := models.Principal{UserID: uuid.New(), Role: models.RoleAdmin}
	token, err := v.Sign(p, time.Hour)
	require.NoError(t, err)

	var seen *models.Principal
	handler := Middleware(v, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantUser   bool
	}{
		{"valid header", "Bearer " + token, "", http.StatusNoContent, true},
		{"valid query token", "", "?access_token=" + token, http.StatusNoContent, true},
		{"anonymous", "", "", http.StatusNoContent, false},
		{"malformed header", "Token " + token, "", http.StatusUnauthorized, false},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/orders"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantUser {
				require.NotNil(t, seen)
				assert.Equal(t, p.UserID, seen.UserID)
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}
