package health

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// Manager gates the readiness probe while the service starts up and
// again while it drains during shutdown.
type Manager struct {
	ready atomic.Bool
}

func NewManager(ready bool) *Manager {
	m := &Manager{}
	m.ready.Store(ready)
	return m
}

func (m *Manager) SetReady(v bool) { m.ready.Store(v) }

func (m *Manager) IsReady() bool { return m.ready.Load() }

// Liveness reports ok whenever the process can answer at all.
func Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (m *Manager) Readiness(c *gin.Context) {
	if !m.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
