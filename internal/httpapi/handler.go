// Package httpapi is the thin HTTP control surface SPEC_FULL.md's §6
// expansion calls for: a caller of the controller package's exposed
// interface, not a reimplementation of the engine or the playlist
// semantics. It carries no playlist-mutation endpoints — loading happens
// once at process start from the JSON playlist file.
package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/denpacast/smoothcast/internal/auth"
	"github.com/denpacast/smoothcast/internal/controller"
)

// Handlers holds the gin route handlers for the control surface, following
// the teacher's AuthHandlers/RadioHandlers split of one struct per concern.
type Handlers struct {
	ctrl *controller.Controller
	a    *auth.Auth
}

// NewHandlers builds the handler set over ctrl, protected by a.
func NewHandlers(ctrl *controller.Controller, a *auth.Auth) *Handlers {
	return &Handlers{ctrl: ctrl, a: a}
}

// Router assembles the gin.Engine: unauthenticated health/status/login,
// JWT-protected switch, mirroring the teacher's route-grouping style.
func Router(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	r.GET("/healthz", h.Health)
	r.GET("/api/status", h.Status)
	r.POST("/api/login", h.Login)

	protected := r.Group("/api")
	protected.Use(authRequired(h.a))
	protected.POST("/switch", h.Switch)

	return r
}

// Health handles GET /healthz.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status handles GET /api/status: the current slot snapshot and listener
// registry snapshot, per SPEC_FULL.md's §6 expansion.
func (h *Handlers) Status(c *gin.Context) {
	st, err := h.ctrl.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	listeners := make([]gin.H, 0, len(st.Listeners))
	for _, l := range st.Listeners {
		listeners = append(listeners, gin.H{
			"protocol": string(l.Protocol),
			"port":     l.Port,
			"attached": l.AttachedCount,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"playing":   st.Playing,
		"prev":      slotJSON(st.Prev),
		"current":   slotJSON(st.Current),
		"next":      slotJSON(st.Next),
		"listeners": listeners,
	})
}

func slotJSON(s controller.SlotStatus) gin.H {
	if !s.Occupied {
		return gin.H{"occupied": false}
	}
	return gin.H{
		"occupied": true,
		"index":    s.Index,
		"ready":    s.Ready,
		"pin":      s.Pin,
	}
}

// Login handles POST /api/login, exchanging operator credentials for a JWT.
func (h *Handlers) Login(c *gin.Context) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid request body"})
		return
	}
	if len(body.Username) == 0 || len(body.Username) > 256 ||
		len(body.Password) == 0 || len(body.Password) > 256 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid credentials format"})
		return
	}

	token, err := h.a.Authenticate(body.Username, body.Password, c.Request.RemoteAddr)
	if err != nil {
		slog.Warn("failed login attempt", "remote", c.Request.RemoteAddr, "error", err)
		if err == auth.ErrRateLimited {
			remaining := h.a.RemainingLockout(c.Request.RemoteAddr)
			c.Header("Retry-After", fmt.Sprintf("%d", int(remaining.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{"status": "error", "error": "too many login attempts, please try again later"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "token": token, "username": body.Username})
}

// Switch handles POST /api/switch: a manual advance, per SPEC_FULL.md §6.
func (h *Handlers) Switch(c *gin.Context) {
	if err := h.ctrl.Switch(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
