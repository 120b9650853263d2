// Package httpapi serves completions over HTTP: a JSON response for
// aggregate requests and server-sent events for streaming ones.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/service"
)

// Options configures the router.
type Options struct {
	// APIKey enables bearer authentication when not empty.
	APIKey string
	Debug  bool
}

// NewRouter builds the gin engine with the completion and health routes.
func NewRouter(svc service.Completer, opts Options) *gin.Engine {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(Recovery(), RequestID(), Logging())
	if opts.APIKey != "" {
		r.Use(BearerAuth(opts.APIKey))
	}

	r.GET(healthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &completionHandler{svc: svc}
	v1 := r.Group("/v1")
	v1.POST("/completions", h.postCompletions)

	return r
}
