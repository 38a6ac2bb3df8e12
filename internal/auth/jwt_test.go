package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService_RoundTrip(t *testing.T) {
	s := NewJWTService("secret", 1)
	id := uuid.New()
	token, err := s.Generate(id, "ops@example.com", "admin")
	require.NoError(t, err)

	claims, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, id, claims.OperatorID)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, Issuer, claims.Issuer)

	gotID, role, err := s.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, "admin", role)
}

func TestJWTService_RejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret", 1).Generate(uuid.New(), "", "admin")
	require.NoError(t, err)

	_, err = NewJWTService("other", 1).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_RejectsExpired(t *testing.T) {
	s := NewJWTService("secret", 1)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := s.Generate(uuid.New(), "", "admin")
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_RejectsForeignIssuer(t *testing.T) {
	claims := Claims{Role: "admin", RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewJWTService("secret", 1).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_RejectsNoneAlg(t *testing.T) {
	claims := Claims{Role: "admin", RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTService("secret", 1).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
