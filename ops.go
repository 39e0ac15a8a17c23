package kored

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OpsServer exposes the operator surface on its own listener, metrics
// for scraping and a JSON snapshot of the pool and the gate
type OpsServer struct {
	cfg        *Config
	supervisor *Supervisor
	gate       *HealthGate
	registry   *prometheus.Registry
	logger     Logger
	srv        *http.Server
}

func NewOpsServer(cfg *Config, sup *Supervisor, gate *HealthGate, reg *prometheus.Registry, logger Logger) *OpsServer {
	if logger == nil {
		logger = newZeroLogForName("kored-ops", "", cfg.LogLevel)
	}
	o := &OpsServer{
		cfg:        cfg,
		supervisor: sup,
		gate:       gate,
		registry:   reg,
		logger:     logger,
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", o.status).Methods(http.MethodGet)

	o.srv = &http.Server{
		Addr:              cfg.OpsBind,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return o
}

type statusPayload struct {
	Admission   string       `json:"admission"`
	Failures    int          `json:"consecutive_failures"`
	Successes   int          `json:"consecutive_successes"`
	LastCheck   time.Time    `json:"last_check"`
	Slots       []SlotStatus `json:"slots"`
	FailedSlots int          `json:"failed_slots"`
}

func (o *OpsServer) status(w http.ResponseWriter, r *http.Request) {
	state := o.gate.State()
	payload := statusPayload{
		Admission: state.Admission.String(),
		Failures:  state.ConsecutiveFailures,
		Successes: state.ConsecutiveSuccesses,
		LastCheck: state.LastCheck,
	}
	if o.supervisor != nil {
		payload.Slots = o.supervisor.Snapshot()
		for _, slot := range payload.Slots {
			if slot.State == SlotFailed.String() {
				payload.FailedSlots++
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		o.logger.Error(fmt.Sprintf("cannot encode status payload, error: %v", err))
	}
}

// Run serves until the context ends
func (o *OpsServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.srv.Shutdown(shutdownCtx)
	}()
	o.logger.Info(fmt.Sprintf("ops surface listening at %s", o.cfg.OpsBind))
	err := o.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
