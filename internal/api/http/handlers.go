// Package http exposes the kernel control API: syscall injection,
// process spawning, virtual time, and introspection.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridian-os/meridian/internal/infrastructure/logging"
	"github.com/meridian-os/meridian/internal/infrastructure/monitoring"
	"github.com/meridian-os/meridian/internal/infrastructure/resilience"
	"github.com/meridian-os/meridian/internal/infrastructure/tracing"
	"github.com/meridian-os/meridian/internal/kernel"
	"github.com/meridian-os/meridian/internal/shared/types"
)

// Handlers carries the handler dependencies.
type Handlers struct {
	kernel   *kernel.Kernel
	metrics  *monitoring.Metrics
	breakers *resilience.Set
	tracer   *tracing.Tracer
	logger   *logging.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(k *kernel.Kernel, m *monitoring.Metrics, b *resilience.Set, tr *tracing.Tracer, l *logging.Logger) *Handlers {
	return &Handlers{kernel: k, metrics: m, breakers: b, tracer: tr, logger: l}
}

// Register mounts all routes on the router group.
func (h *Handlers) Register(r gin.IRoutes) {
	r.POST("/syscall", h.Syscall)
	r.POST("/spawn", h.Spawn)
	r.POST("/tick", h.Tick)
	r.POST("/schedule", h.Schedule)
	r.POST("/threads/:id/kill", h.KillThread)
	r.GET("/threads/:id/outcome", h.Outcome)

	r.GET("/processes", h.Processes)
	r.GET("/threads", h.Threads)
	r.GET("/objects", h.Objects)
	r.GET("/endpoints", h.Endpoints)
	r.GET("/scheduler", h.Scheduler)
	r.GET("/images", h.Images)
	r.GET("/breakers", h.Breakers)
	r.GET("/health", h.Health)
}

// fail writes a kernel error with its stable numeric code.
func fail(c *gin.Context, err error) {
	status := http.StatusBadRequest
	var ke *types.KernelError
	if errors.As(err, &ke) {
		switch ke.Code {
		case types.CodeNotFound:
			status = http.StatusNotFound
		case types.CodeInsufficientRights, types.CodeRevoked:
			status = http.StatusForbidden
		case types.CodeOutOfUntyped, types.CodeTableFull:
			status = http.StatusInsufficientStorage
		}
	} else if errors.Is(err, resilience.ErrCircuitOpen) {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
		"code":    uint32(types.CodeOf(err)),
	})
}

// Health reports liveness.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"tick":   h.kernel.Now(),
	})
}
