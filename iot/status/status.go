package status

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/smartpot/core/logger"
	"github.com/relabs-tech/smartpot/iot/mqtt"
	"github.com/relabs-tech/smartpot/iot/sensor"
)

// Phase is the phase of the supervising loop
type Phase string

// The phases
const (
	PhaseStarting     Phase = "starting"
	PhaseProvisioning Phase = "provisioning"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseWaiting      Phase = "waiting"
	PhaseStopped      Phase = "stopped"
)

// Snapshot is a copy of the tracked state
type Snapshot struct {
	Phase           Phase                     `json:"phase"`
	HubHost         string                    `json:"hub_host,omitempty"`
	DeviceID        string                    `json:"device_id,omitempty"`
	Sessions        int                       `json:"sessions"`
	Published       int                       `json:"published"`
	PublishFailures int                       `json:"publish_failures"`
	Received        int                       `json:"received"`
	Online          bool                      `json:"online"`
	LastPublishedAt *time.Time                `json:"last_published_at,omitempty"`
	LastReadings    map[string]sensor.Reading `json:"last_readings"`
	LastError       string                    `json:"last_error,omitempty"`
	LastErrorStage  string                    `json:"last_error_stage,omitempty"`
}

// Tracker collects the state of the agent. It is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	snapshot Snapshot
	online   func() bool
	now      func() time.Time
}

// NewTracker returns a tracker in PhaseStarting
func NewTracker() *Tracker {
	return &Tracker{
		snapshot: Snapshot{Phase: PhaseStarting, LastReadings: map[string]sensor.Reading{}},
		now:      time.Now,
	}
}

// SetPhase sets the phase
func (t *Tracker) SetPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot.Phase = p
}

// SessionStarted records the start of a hub session. online reports whether the
// session's connection is currently up, nil means always.
func (t *Tracker) SessionStarted(hubHost, deviceID string, online func() bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = online
	t.snapshot.Phase = PhaseConnected
	t.snapshot.HubHost = hubHost
	t.snapshot.DeviceID = deviceID
	t.snapshot.Sessions++
}

// SetError records the error which ended a session. stage is the stage of the error.
func (t *Tracker) SetError(err error, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		t.snapshot.LastError = ""
		t.snapshot.LastErrorStage = ""
		return
	}
	t.snapshot.LastError = err.Error()
	t.snapshot.LastErrorStage = stage
}

// Published implements telemetry.Observer
func (t *Tracker) Published(s sensor.Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().UTC()
	t.snapshot.Published++
	t.snapshot.LastPublishedAt = &now
	t.snapshot.LastReadings[s.Sensor] = s.Reading
}

// PublishFailed implements telemetry.Observer
func (t *Tracker) PublishFailed(s sensor.Sample, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot.PublishFailures++
	t.snapshot.LastReadings[s.Sensor] = s.Reading
}

// Received implements telemetry.Observer
func (t *Tracker) Received(mqtt.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot.Received++
}

// Snapshot returns a copy of the current state
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.snapshot
	s.LastReadings = make(map[string]sensor.Reading, len(t.snapshot.LastReadings))
	for k, v := range t.snapshot.LastReadings {
		s.LastReadings[k] = v
	}
	if t.snapshot.LastPublishedAt != nil {
		at := *t.snapshot.LastPublishedAt
		s.LastPublishedAt = &at
	}
	s.Online = s.Phase == PhaseConnected && (t.online == nil || t.online())
	return s
}

// HandleRoutes adds the status routes to router
func HandleRoutes(router *mux.Router, t *Tracker) {
	logger.Default().Infoln("status: handle route /status GET")
	logger.Default().Infoln("status: handle route /health GET")

	router.Handle("/status", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		jsonData, err := json.MarshalIndent(t.Snapshot(), "", " ")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}))).Methods(http.MethodGet)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !t.Snapshot().Online {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
}

// NewRouter returns a router serving the status routes with request ids and panic recovery
func NewRouter(t *Tracker) http.Handler {
	router := mux.NewRouter()
	logger.AddRequestID(router)
	HandleRoutes(router, t)
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(router)
}

// ListenAndServe serves the status routes on addr until ctx is done
func ListenAndServe(ctx context.Context, addr string, t *Tracker) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(t),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	logger.FromContext(ctx).Infoln("status: listen on", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
