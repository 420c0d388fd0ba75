package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	claims interface{}
	err    error
}

func (f *fakeValidator) ValidateToken(ctx context.Context, token string) (interface{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.claims, nil
}

type fakeOwners struct {
	owners map[string]uuid.UUID
}

func (f *fakeOwners) GetOwnerIDByAuth0ID(ctx context.Context, auth0ID string) (uuid.UUID, error) {
	id, ok := f.owners[auth0ID]
	if !ok {
		return uuid.Nil, domain.ErrOwnerNotFound
	}
	return id, nil
}

func claimsFor(subject string) *validator.ValidatedClaims {
	return &validator.ValidatedClaims{
		RegisteredClaims: validator.RegisteredClaims{Subject: subject},
		CustomClaims:     &CustomClaims{},
	}
}

func runAuth(t *testing.T, m *AuthMiddleware, header string) (*httptest.ResponseRecorder, echo.Context, bool) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/settlements/swap/x", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	var seen echo.Context
	err := m.Authenticate()(func(c echo.Context) error {
		called = true
		seen = c
		return c.NoContent(http.StatusOK)
	})(c)
	require.NoError(t, err)
	return rec, seen, called
}

func TestAuthenticate_InjectsOwner(t *testing.T) {
	ownerID := uuid.New()
	m := NewAuthMiddlewareWithValidator(
		&fakeValidator{claims: claimsFor("auth0|alice")},
		&fakeOwners{owners: map[string]uuid.UUID{"auth0|alice": ownerID}},
	)

	rec, c, called := runAuth(t, m, "Bearer token")
	require.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ownerID, GetOwnerID(c))
	assert.Equal(t, "auth0|alice", GetAuth0ID(c))
	assert.NotNil(t, GetClaims(c))
}

func TestAuthenticate_Rejects(t *testing.T) {
	owners := &fakeOwners{owners: map[string]uuid.UUID{"auth0|alice": uuid.New()}}

	tests := []struct {
		name      string
		validator *fakeValidator
		header    string
		detail    string
	}{
		{"missing header", &fakeValidator{claims: claimsFor("auth0|alice")}, "", "missing authorization header"},
		{"wrong scheme", &fakeValidator{claims: claimsFor("auth0|alice")}, "Basic abc", "invalid authorization header format"},
		{"no token", &fakeValidator{claims: claimsFor("auth0|alice")}, "Bearer", "invalid authorization header format"},
		{"invalid token", &fakeValidator{err: errors.New("expired")}, "Bearer token", "invalid token"},
		{"unexpected claims", &fakeValidator{claims: "nope"}, "Bearer token", "invalid claims"},
		{"unknown owner", &fakeValidator{claims: claimsFor("auth0|mallory")}, "Bearer token", "owner not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewAuthMiddlewareWithValidator(tt.validator, owners)
			rec, _, called := runAuth(t, m, tt.header)
			assert.False(t, called)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.detail)
		})
	}
}

func TestContextGetters_Empty(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	assert.Equal(t, uuid.Nil, GetOwnerID(c))
	assert.Empty(t, GetAuth0ID(c))
	assert.Nil(t, GetClaims(c))
}

func TestCustomClaims_Validate(t *testing.T) {
	assert.NoError(t, CustomClaims{}.Validate(context.Background()))
}
