package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"authgate/internal/audit"
	"authgate/internal/auth"
	"authgate/internal/credstore"
	"authgate/internal/pipeline"
	"authgate/internal/session"
	"authgate/pkg/logger"
	"authgate/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const refreshCookieName = "refresh_token"

// refreshCookiePath covers exactly the two endpoints that legitimately read
// the handle: refresh and logout, mounted under this subpath. Cookie path
// matching is prefix-based, so login and register must live outside it.
const refreshCookiePath = "/v1/auth/session"

// Handlers groups the auth endpoints for dependency injection.
// Keep these thin: parse input, call internal services, shape the response.
type Handlers struct {
	Codec       *auth.Codec
	Sessions    session.Registry
	Credentials credstore.Store
	Audit       *audit.Service

	RefreshTTL time.Duration

	// CookieSecure should be true everywhere except local development.
	CookieSecure bool

	// AuthLimiter, when set, rate-limits the credential endpoints.
	AuthLimiter gin.HandlerFunc
}

/* ===================== LOGIN ===================== */

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (h Handlers) login(ctx context.Context, req *pipeline.Request) pipeline.Outcome {
	var body loginRequest
	if err := json.NewDecoder(req.HTTP.Body).Decode(&body); err != nil {
		return pipeline.Terminate(http.StatusBadRequest, gin.H{"error": "invalid_json"})
	}
	if body.Username == "" || body.Password == "" {
		return pipeline.Terminate(http.StatusBadRequest, gin.H{"error": "username and password required"})
	}

	p, err := h.Credentials.FindByUsername(ctx, body.Username)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			// Burn a hash comparison so unknown-user and wrong-password are
			// indistinguishable by timing as well as by response.
			credstore.BurnComparison(body.Password)
			_ = h.Audit.LogLoginFailed(ctx, body.Username, utils.ClientIP(req.HTTP))
			return invalidCredentials()
		}
		return pipeline.Fail(err)
	}
	if !credstore.VerifyPassword(p.PasswordHash, body.Password) {
		_ = h.Audit.LogLoginFailed(ctx, body.Username, utils.ClientIP(req.HTTP))
		return invalidCredentials()
	}

	access, err := h.Codec.Issue(time.Now(), p.SubjectID, p.Role)
	if err != nil {
		return pipeline.Fail(err)
	}
	iss, err := h.Sessions.Issue(ctx, p.SubjectID)
	if err != nil {
		return pipeline.Fail(err)
	}

	_ = h.Audit.LogLogin(ctx, p.SubjectID, utils.ClientIP(req.HTTP))
	return pipeline.TerminateWith(pipeline.Response{
		Status:  http.StatusOK,
		Body:    h.tokenBody(access),
		Cookies: []*http.Cookie{h.refreshCookie(iss.Handle)},
	})
}

/* ===================== REGISTER ===================== */

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h Handlers) register(ctx context.Context, req *pipeline.Request) pipeline.Outcome {
	var body registerRequest
	if err := json.NewDecoder(req.HTTP.Body).Decode(&body); err != nil {
		return pipeline.Terminate(http.StatusBadRequest, gin.H{"error": "invalid_json"})
	}
	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" || len(body.Password) < 8 {
		return pipeline.Terminate(http.StatusBadRequest, gin.H{"error": "username and password (min 8 chars) required"})
	}

	hash, err := credstore.HashPassword(body.Password)
	if err != nil {
		return pipeline.Fail(err)
	}
	p := credstore.Principal{
		SubjectID:    uuid.NewString(),
		Username:     body.Username,
		Role:         auth.RoleUser,
		PasswordHash: hash,
	}
	if err := h.Credentials.Create(ctx, p); err != nil {
		if errors.Is(err, credstore.ErrAlreadyExists) {
			return pipeline.Terminate(http.StatusConflict, gin.H{"error": "username_taken"})
		}
		return pipeline.Fail(err)
	}
	return pipeline.Terminate(http.StatusCreated, gin.H{"subject_id": p.SubjectID, "username": p.Username, "role": p.Role})
}

/* ===================== REFRESH ===================== */

func (h Handlers) refresh(ctx context.Context, req *pipeline.Request) pipeline.Outcome {
	cookie, err := req.HTTP.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		return invalidRefresh(h)
	}

	iss, err := h.Sessions.Rotate(ctx, cookie.Value)
	if err != nil {
		var reuse *session.ReuseError
		switch {
		case errors.As(err, &reuse):
			// The registry already revoked every session for the subject.
			// The client gets the same generic 401 as any bad handle.
			if aerr := h.Audit.LogReuseIncident(ctx, reuse.SubjectID, utils.ClientIP(req.HTTP)); aerr != nil {
				logger.From(ctx).Warn("audit write failed", "err", aerr)
			}
			logger.From(ctx).Warn("refresh token reuse detected", "subject_id", reuse.SubjectID)
			return invalidRefresh(h)
		case errors.Is(err, session.ErrUnknownToken), errors.Is(err, session.ErrExpiredToken):
			return invalidRefresh(h)
		default:
			return pipeline.Fail(err)
		}
	}

	p, err := h.Credentials.FindBySubject(ctx, iss.Token.SubjectID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			// Principal deleted since the session began.
			if rerr := h.Sessions.RevokeAll(ctx, iss.Token.SubjectID); rerr != nil {
				return pipeline.Fail(rerr)
			}
			return invalidRefresh(h)
		}
		return pipeline.Fail(err)
	}

	access, err := h.Codec.Issue(time.Now(), p.SubjectID, p.Role)
	if err != nil {
		return pipeline.Fail(err)
	}

	_ = h.Audit.LogRefresh(ctx, p.SubjectID, utils.ClientIP(req.HTTP))
	return pipeline.TerminateWith(pipeline.Response{
		Status:  http.StatusOK,
		Body:    h.tokenBody(access),
		Cookies: []*http.Cookie{h.refreshCookie(iss.Handle)},
	})
}

/* ===================== LOGOUT ===================== */

type logoutRequest struct {
	Everywhere bool `json:"everywhere"`
}

// logout revokes the presented session's chain by default; "everywhere"
// revokes every session for the subject. Runs behind the authentication
// stage, so Identity is always set here.
func (h Handlers) logout(ctx context.Context, req *pipeline.Request) pipeline.Outcome {
	subject := req.Identity.Subject

	var body logoutRequest
	// Body is optional; a missing or invalid body means a plain logout.
	_ = json.NewDecoder(req.HTTP.Body).Decode(&body)

	cookie, cookieErr := req.HTTP.Cookie(refreshCookieName)
	switch {
	case body.Everywhere:
		if err := h.Sessions.RevokeAll(ctx, subject); err != nil {
			return pipeline.Fail(err)
		}
	case cookieErr == nil && cookie.Value != "":
		if err := h.Sessions.Revoke(ctx, cookie.Value); err != nil {
			if !errors.Is(err, session.ErrUnknownToken) {
				return pipeline.Fail(err)
			}
			// Already gone; logout is idempotent.
		}
	default:
		// No handle to scope the logout to; revoke everything rather than
		// leave a session the caller believes is closed.
		if err := h.Sessions.RevokeAll(ctx, subject); err != nil {
			return pipeline.Fail(err)
		}
	}

	_ = h.Audit.LogLogout(ctx, subject, utils.ClientIP(req.HTTP), body.Everywhere)
	return pipeline.TerminateWith(pipeline.Response{
		Status:  http.StatusNoContent,
		Cookies: []*http.Cookie{h.clearRefreshCookie()},
	})
}

/* ===================== PROTECTED RESOURCES ===================== */

func (h Handlers) me(ctx context.Context, req *pipeline.Request) pipeline.Outcome {
	id := req.Identity
	return pipeline.Terminate(http.StatusOK, gin.H{"subject_id": id.Subject, "role": id.Role})
}

func (h Handlers) adminPing(ctx context.Context, req *pipeline.Request) pipeline.Outcome {
	return pipeline.Terminate(http.StatusOK, gin.H{"status": "ok"})
}

type changeRoleRequest struct {
	SubjectID string `json:"subject_id"`
	Role      string `json:"role"`
}

// changeRole is the privileged mutation behind role updates. The subject's
// outstanding sessions are revoked so stale role claims age out with the
// access token, not with the refresh chain.
func (h Handlers) changeRole(ctx context.Context, req *pipeline.Request) pipeline.Outcome {
	var body changeRoleRequest
	if err := json.NewDecoder(req.HTTP.Body).Decode(&body); err != nil {
		return pipeline.Terminate(http.StatusBadRequest, gin.H{"error": "invalid_json"})
	}
	if body.SubjectID == "" || !auth.IsKnownRole(body.Role) {
		return pipeline.Terminate(http.StatusBadRequest, gin.H{"error": "subject_id and a known role required"})
	}

	if err := h.Credentials.UpdateRole(ctx, body.SubjectID, body.Role); err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return pipeline.Terminate(http.StatusNotFound, gin.H{"error": "not_found"})
		}
		return pipeline.Fail(err)
	}
	if err := h.Sessions.RevokeAll(ctx, body.SubjectID); err != nil {
		return pipeline.Fail(err)
	}

	_ = h.Audit.LogRoleChange(ctx, body.SubjectID, req.Identity.Subject, body.Role)
	return pipeline.Terminate(http.StatusOK, gin.H{"subject_id": body.SubjectID, "role": body.Role})
}

/* ===================== HELPERS ===================== */

func (h Handlers) tokenBody(access string) tokenResponse {
	return tokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(h.Codec.AccessTTL().Seconds()),
	}
}

func (h Handlers) refreshCookie(handle string) *http.Cookie {
	return &http.Cookie{
		Name:     refreshCookieName,
		Value:    handle,
		Path:     refreshCookiePath,
		MaxAge:   int(h.RefreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (h Handlers) clearRefreshCookie() *http.Cookie {
	return &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

func invalidCredentials() pipeline.Outcome {
	// Identical body for unknown user and wrong password.
	return pipeline.Terminate(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
}

func invalidRefresh(h Handlers) pipeline.Outcome {
	return pipeline.TerminateWith(pipeline.Response{
		Status:  http.StatusUnauthorized,
		Body:    gin.H{"error": "invalid_refresh"},
		Cookies: []*http.Cookie{h.clearRefreshCookie()},
	})
}

