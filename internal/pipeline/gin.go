package pipeline

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GinHandler mounts a built chain as a terminal gin handler. The chain owns
// everything after gin's engine-level middleware (logging, recovery, rate
// limiting); gin only transports the response.
func (c *Chain) GinHandler() gin.HandlerFunc {
	return func(g *gin.Context) {
		req := &Request{HTTP: g.Request}
		resp := c.Run(g.Request.Context(), req)

		for _, ck := range resp.Cookies {
			http.SetCookie(g.Writer, ck)
		}
		if resp.Body == nil {
			g.Status(resp.Status)
			return
		}
		g.JSON(resp.Status, resp.Body)
	}
}
