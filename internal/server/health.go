package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/pkg/api"
)

// handleHealth probes the backing components. Any failing probe degrades
// the overall status and flips the response to 503 so load balancers stop
// routing work here
func (s *Server) handleHealth(c *gin.Context) {
	components := make(map[string]string, len(s.deps.Health))
	healthy := true
	for name, check := range s.deps.Health {
		if err := check(); err != nil {
			components[name] = err.Error()
			healthy = false
			continue
		}
		components[name] = "ok"
	}

	res := api.HealthResponse{
		Status:     "ok",
		Components: components,
	}
	if !healthy {
		res.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}
	c.JSON(http.StatusOK, res)
}
