package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meridian-os/meridian/internal/kernel/syscall"
	"github.com/meridian-os/meridian/internal/shared/types"
)

// SyscallRequest injects one trap as a given thread.
type SyscallRequest struct {
	Thread types.ThreadID `json:"thread" binding:"required"`
	Trap   syscall.Trap   `json:"trap"`
}

// Syscall dispatches a trap. Delegated classes go through their circuit
// breaker so a dead service fails fast instead of parking the thread.
func (h *Handlers) Syscall(c *gin.Context) {
	var req SyscallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid request: " + err.Error(),
		})
		return
	}

	span, _ := h.tracer.StartSpan(c.Request.Context(), "syscall."+req.Trap.Number.String())
	span.SetTag("thread", strconv.FormatUint(uint64(req.Thread), 10))

	start := time.Now()
	var res syscall.Result
	var err error
	if cls := req.Trap.Number.Class(); cls != "" && h.breakers != nil {
		br := h.breakers.ForClass(cls)
		if err = br.Allow(); err == nil {
			res, err = h.kernel.Dispatch(req.Thread, req.Trap)
			br.Record(err)
		}
	} else {
		res, err = h.kernel.Dispatch(req.Thread, req.Trap)
	}

	name := req.Trap.Number.String()
	if err != nil {
		h.metrics.RecordSyscall(name, types.CodeOf(err).String(), time.Since(start))
		span.SetError(err)
		span.Finish()
		h.tracer.Submit(span)
		fail(c, err)
		return
	}
	h.metrics.RecordSyscall(name, "ok", time.Since(start))
	span.Finish()
	h.tracer.Submit(span)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"result":  res,
	})
}

// SpawnRequest starts a boot image as a new process.
type SpawnRequest struct {
	Image string `json:"image" binding:"required"`
}

// Spawn creates a process from a boot image with no parent.
func (h *Handlers) Spawn(c *gin.Context) {
	var req SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid request: " + err.Error(),
		})
		return
	}

	pid, tid, err := h.kernel.SpawnBoot(req.Image)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"process": pid,
		"thread":  tid,
	})
}

// TickRequest advances virtual time.
type TickRequest struct {
	Count int `json:"count"`
}

// Tick advances the virtual clock, defaulting to one tick.
func (h *Handlers) Tick(c *gin.Context) {
	var req TickRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid request: " + err.Error(),
		})
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	var now types.Tick
	for i := 0; i < req.Count; i++ {
		now = h.kernel.Tick()
	}
	h.refreshGauges()

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"tick":    now,
	})
}

// ScheduleRequest picks the next runnable thread for a core.
type ScheduleRequest struct {
	Core int `json:"core"`
}

// Schedule runs the scheduler for one core.
func (h *Handlers) Schedule(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid request: " + err.Error(),
		})
		return
	}

	tid := h.kernel.Schedule(req.Core)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"thread":  tid,
	})
}

// KillThread force-terminates a thread.
func (h *Handlers) KillThread(c *gin.Context) {
	tid, err := parseThreadID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid thread id",
		})
		return
	}
	if err := h.kernel.Kill(tid); err != nil {
		fail(c, err)
		return
	}
	h.refreshGauges()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Outcome collects the stored result of a woken thread's blocking
// operation.
func (h *Handlers) Outcome(c *gin.Context) {
	tid, err := parseThreadID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid thread id",
		})
		return
	}
	out, err := h.kernel.TakeOutcome(tid)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"outcome": out,
	})
}

func parseThreadID(s string) (types.ThreadID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return types.ThreadID(v), err
}
