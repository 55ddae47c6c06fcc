package platform

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JWTAuthResolver validates HMAC-signed bearer tokens. Expected claims:
// user_id and org_id (required, UUID strings), email and plan (optional).
type JWTAuthResolver struct {
	secret []byte
	log    *logrus.Entry
}

func NewJWTAuthResolver(secret string, logger *logrus.Logger) *JWTAuthResolver {
	return &JWTAuthResolver{
		secret: []byte(secret),
		log:    logger.WithField("component", "auth"),
	}
}

func (r *JWTAuthResolver) Resolve(ctx context.Context, token string) (AuthContext, error) {
	if token == "" {
		return AuthContext{}, ErrUnauthenticated
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		r.log.WithError(err).Debug("token rejected")
		return AuthContext{}, ErrUnauthenticated
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return AuthContext{}, ErrUnauthenticated
	}

	auth := AuthContext{}
	auth.UserID, err = claimUUID(claims, "user_id")
	if err != nil {
		r.log.WithError(err).Debug("token rejected")
		return AuthContext{}, ErrUnauthenticated
	}
	auth.OrgID, err = claimUUID(claims, "org_id")
	if err != nil {
		r.log.WithError(err).Debug("token rejected")
		return AuthContext{}, ErrUnauthenticated
	}
	if email, ok := claims["email"].(string); ok {
		auth.Email = email
	}
	if plan, ok := claims["plan"].(string); ok {
		auth.Plan = plan
	}
	return auth, nil
}

func claimUUID(claims jwt.MapClaims, name string) (uuid.UUID, error) {
	raw, ok := claims[name].(string)
	if !ok || raw == "" {
		return uuid.Nil, fmt.Errorf("missing %s claim", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bad %s claim: %w", name, err)
	}
	return id, nil
}
