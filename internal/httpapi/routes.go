package httpapi

import (
	"context"
	"net/http"

	"authgate/internal/auth"
	"authgate/internal/pipeline"

	"github.com/gin-gonic/gin"
)

// Mount registers all routes on the engine. Each route is a pipeline chain
// built once at startup; a chain that is wired in the wrong order fails here,
// not under traffic.
func (h Handlers) Mount(r *gin.Engine) error {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authn := auth.AuthenticateStage(h.Codec)

	public, err := h.chain(nil)
	if err != nil {
		return err
	}
	protected, err := h.chain([]pipeline.Stage{authn})
	if err != nil {
		return err
	}
	adminOnly, err := h.chain([]pipeline.Stage{authn, auth.AuthorizeStage(auth.RoleAdmin)})
	if err != nil {
		return err
	}

	v1 := r.Group("/v1")

	ag := v1.Group("/auth")
	if h.AuthLimiter != nil {
		ag.Use(h.AuthLimiter)
	}
	ag.POST("/login", public("login", h.login))
	ag.POST("/register", public("register", h.register))

	// The refresh cookie is scoped to this subpath, so the handle never
	// rides along on login or register requests.
	sg := ag.Group("/session")
	sg.POST("/refresh", public("refresh", h.refresh))
	sg.POST("/logout", protected("logout", h.logout))

	v1.GET("/me", protected("me", h.me))

	admin := v1.Group("/admin")
	admin.GET("/ping", adminOnly("admin_ping", h.adminPing))
	admin.POST("/roles", adminOnly("change_role", h.changeRole))

	return nil
}

// chainBuilder turns a named handler stage into a mounted gin handler with a
// fixed stage prefix already applied.
type chainBuilder func(name string, fn func(context.Context, *pipeline.Request) pipeline.Outcome) gin.HandlerFunc

func (h Handlers) chain(stages []pipeline.Stage) (chainBuilder, error) {
	// Probe the stage ordering once so Mount can surface wiring mistakes as a
	// startup error instead of panicking per route.
	probe := pipeline.New()
	for _, s := range stages {
		probe.Use(s)
	}
	probe.Handle("probe", func(context.Context, *pipeline.Request) pipeline.Outcome {
		return pipeline.Terminate(http.StatusOK, nil)
	})
	if _, err := probe.Build(); err != nil {
		return nil, err
	}

	return func(name string, fn func(context.Context, *pipeline.Request) pipeline.Outcome) gin.HandlerFunc {
		b := pipeline.New()
		for _, s := range stages {
			b.Use(s)
		}
		ch, err := b.Handle(name, fn).OnError(h.errorBoundary).Build()
		if err != nil {
			// Ordering was validated above; only a programming error lands here.
			panic(err)
		}
		return ch.GinHandler()
	}, nil
}
