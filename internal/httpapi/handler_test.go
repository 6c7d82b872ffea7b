package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/denpacast/smoothcast/internal/auth"
	"github.com/denpacast/smoothcast/internal/controller"
	"github.com/denpacast/smoothcast/internal/engine"
)

// stubSwitcher and stubNode satisfy engine.Switcher/engine.Node without
// touching real media, mirroring the controller package's own fakeengine_test.go.
type stubNode struct{}

func (stubNode) Close() error { return nil }

type stubSwitcher struct{}

func (stubSwitcher) SubscribeToPins(map[string][]engine.StreamKey) error { return nil }
func (stubSwitcher) SwitchSource(string, int64) error                    { return nil }

// stubEngine implements engine.Engine with no input sources — enough to
// construct a Controller over an empty playlist, which never calls the
// input-producing methods.
type stubEngine struct{}

func (stubEngine) LocalTSFile(engine.LocalFileConfig, engine.Hooks) (engine.InputNode, error) {
	return nil, nil
}
func (stubEngine) LocalMP4File(engine.LocalFileConfig, engine.Hooks) (engine.InputNode, error) {
	return nil, nil
}
func (stubEngine) SRTCaller(engine.SRTCallerConfig, engine.Hooks) (engine.InputNode, error) {
	return nil, nil
}
func (stubEngine) SRTListener(engine.ListenerConfig, engine.OnStreamFunc, engine.Hooks) (engine.InputNode, error) {
	return nil, nil
}
func (stubEngine) RTMPListener(engine.ListenerConfig, engine.OnStreamFunc, engine.Hooks) (engine.InputNode, error) {
	return nil, nil
}
func (stubEngine) Image(engine.ImageConfig, engine.Hooks) (engine.InputNode, error) { return nil, nil }
func (stubEngine) RTP(engine.RTPConfig, engine.Hooks) (engine.InputNode, error)     { return nil, nil }
func (stubEngine) WHIP(engine.WHIPConfig, engine.Hooks) (engine.InputNode, error)   { return nil, nil }
func (stubEngine) SmoothSwitcher(engine.SwitcherConfig) (engine.Switcher, error) {
	return stubSwitcher{}, nil
}
func (stubEngine) AudioGain(engine.AudioGainConfig) (engine.InputNode, error) { return stubNode{}, nil }
func (stubEngine) StreamKeyOverride(engine.StreamKeyOverrideConfig) (engine.Node, error) {
	return stubNode{}, nil
}
func (stubEngine) AudioSignal(engine.AudioSignalConfig) (engine.InputNode, error) {
	return stubNode{}, nil
}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ctrl, err := controller.Create(ctx, stubEngine{}, nil)
	if err != nil {
		t.Fatalf("controller.Create: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		ctrl.Close(closeCtx)
	})

	a := auth.New(auth.Config{Username: "operator", Password: "s3cret-password", JWTSecret: "test-secret-at-least-32-bytes-long!!"})
	return NewHandlers(ctrl, a)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	h := newTestHandlers(t)
	r := Router(h)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSwitchRequiresAuth(t *testing.T) {
	h := newTestHandlers(t)
	r := Router(h)

	req := httptest.NewRequest(http.MethodPost, "/api/switch", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLoginThenSwitchSucceeds(t *testing.T) {
	h := newTestHandlers(t)
	r := Router(h)

	loginBody := `{"username":"operator","password":"s3cret-password"}`
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(loginBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected non-empty token")
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/switch", nil)
	req2.Header.Set("Authorization", "Bearer "+resp.Token)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("switch status = %d, want 200, body=%s", rec2.Code, rec2.Body.String())
	}
}

func TestStatusReportsExhaustedPlaylist(t *testing.T) {
	h := newTestHandlers(t)
	r := Router(h)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
