package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Processes lists live processes.
func (h *Handlers) Processes(c *gin.Context) {
	procs := h.kernel.Procs.Snapshot()
	h.metrics.UpdateProcesses(len(procs))
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"processes": procs,
	})
}

// Threads lists all scheduler-known threads.
func (h *Handlers) Threads(c *gin.Context) {
	stats, threads := h.kernel.Sched.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"tick":    stats.Now,
		"threads": threads,
	})
}

// Objects lists live kernel objects.
func (h *Handlers) Objects(c *gin.Context) {
	objs := h.kernel.Registry.Snapshot()
	h.metrics.UpdateObjects(len(objs))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"objects": objs,
	})
}

// Endpoints lists live endpoint objects only.
func (h *Handlers) Endpoints(c *gin.Context) {
	var eps []interface{}
	for _, obj := range h.kernel.Registry.Snapshot() {
		if obj.Kind == "endpoint" {
			eps = append(eps, obj)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"endpoints": eps,
	})
}

// Scheduler reports scheduler counters.
func (h *Handlers) Scheduler(c *gin.Context) {
	stats, _ := h.kernel.Sched.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   stats,
	})
}

// Images lists the spawnable boot images.
func (h *Handlers) Images(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"images":  h.kernel.Images(),
	})
}

// Breakers reports the delegated-class circuit breaker states.
func (h *Handlers) Breakers(c *gin.Context) {
	states := map[string]string{}
	if h.breakers != nil {
		states = h.breakers.States()
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"breakers": states,
	})
}

// refreshGauges re-derives the sampled gauges after state-changing
// operations.
func (h *Handlers) refreshGauges() {
	stats, threads := h.kernel.Sched.Snapshot()
	h.metrics.UpdateScheduler(stats, threads)
	h.metrics.UpdateObjects(h.kernel.Registry.Live())
	h.metrics.UpdateProcesses(len(h.kernel.Procs.Snapshot()))
}
