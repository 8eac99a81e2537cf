package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"authgate/internal/pipeline"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// Reason codes returned to clients. Deliberately coarse: they distinguish an
// expired token (the client should refresh) from everything else, and no more.
const (
	reasonInvalidToken = "invalid_token"
	reasonTokenExpired = "token_expired"
	reasonForbidden    = "forbidden"
)

// AuthenticateStage verifies a bearer access token and publishes the caller's
// identity on the request. It does not perform RBAC checks; those belong to
// AuthorizeStage.
func AuthenticateStage(codec *Codec) pipeline.Stage {
	return pipeline.Stage{
		Name: "authenticate",
		Kind: pipeline.KindAuthenticate,
		Run: func(ctx context.Context, req *pipeline.Request) pipeline.Outcome {
			raw := strings.TrimSpace(req.HTTP.Header.Get(authorizationHeader))
			if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
				return unauthorized(reasonInvalidToken)
			}
			tok := strings.TrimPrefix(raw, bearerPrefix)

			claims, err := codec.Verify(tok, time.Now())
			if err != nil {
				if errors.Is(err, ErrExpiredToken) {
					return unauthorized(reasonTokenExpired)
				}
				return unauthorized(reasonInvalidToken)
			}

			req.Identity = &pipeline.Identity{
				Subject: claims.UserID,
				Role:    claims.Role,
				TokenID: claims.ID,
			}
			req.HTTP = req.HTTP.WithContext(WithIdentity(req.HTTP.Context(), claims.UserID, claims.Role))
			return pipeline.Continue()
		},
	}
}

// AuthorizeStage allows the request through if the authenticated caller holds
// any of the given roles. Admins pass every check.
//
// The pipeline builder refuses a chain that places this stage before an
// authentication stage, so a missing identity here means the authentication
// stage declined to set one.
func AuthorizeStage(allowed ...string) pipeline.Stage {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return pipeline.Stage{
		Name: "authorize",
		Kind: pipeline.KindAuthorize,
		Run: func(ctx context.Context, req *pipeline.Request) pipeline.Outcome {
			id := req.Identity
			if id == nil || id.Role == "" {
				return unauthorized(reasonInvalidToken)
			}
			if IsAdmin(id.Role) {
				return pipeline.Continue()
			}
			if _, ok := allowedSet[id.Role]; !ok {
				return pipeline.Terminate(http.StatusForbidden, map[string]string{"error": reasonForbidden})
			}
			return pipeline.Continue()
		},
	}
}

func unauthorized(reason string) pipeline.Outcome {
	return pipeline.Terminate(http.StatusUnauthorized, map[string]string{"error": reason})
}
