package auth

import (
	"crypto/rand"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
)

const (
	sessionIssuer     = "supportdesk"
	defaultSessionTTL = 24 * time.Hour
)

// SessionClaims bind a widget session to one conversation.
type SessionClaims struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies widget session tokens (HS256).
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions creates a token issuer. An empty secret gets a random one,
// which invalidates outstanding tokens on restart.
func NewSessions(secret []byte, ttl time.Duration) (*Sessions, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Sessions{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for a conversation.
func (s *Sessions) Issue(conversationID, clientID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := &SessionClaims{
		ConversationID: conversationID,
		ClientID:       clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   conversationID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token.
func (s *Sessions) Verify(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.NewError(domain.KindAuthentication, "session expired").WithCause(err)
		}
		return nil, domain.NewError(domain.KindAuthentication, "invalid session token").WithCause(err)
	}
	if !token.Valid || claims.ConversationID == "" {
		return nil, domain.NewError(domain.KindAuthentication, "invalid session token")
	}
	return claims, nil
}

// Authorize verifies the request's session token and checks that it was
// issued for conversationID. The token is read from the Authorization
// header, or from the token query parameter for EventSource clients.
func (s *Sessions) Authorize(r *http.Request, conversationID string) (*SessionClaims, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		var err error
		if raw, err = bearerToken(r.Header.Get("Authorization")); err != nil {
			return nil, err
		}
	}

	claims, err := s.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.ConversationID != conversationID {
		return nil, domain.NewError(domain.KindPermission, "session is not valid for conversation %s", conversationID)
	}
	return claims, nil
}
