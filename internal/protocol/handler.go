package protocol

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/browsertest/internal/report"
	"github.com/ethpandaops/browsertest/internal/scheduler"
	"github.com/ethpandaops/browsertest/internal/session"
	"github.com/ethpandaops/browsertest/internal/unit"
)

// maxReportBytes bounds report bodies; a runEnd with counts and a
// testEnd with a diff both fit comfortably.
const maxReportBytes int64 = 1 << 20

// Config wires the handler to the run's state.
type Config struct {
	Logger    logrus.FieldLogger
	Scheduler *scheduler.Scheduler
	Store     *report.Store
	Sessions  *session.Registry
	Metrics   *Metrics

	// PageURL builds the test-page URL a unit's session should load.
	PageURL func(u *unit.UnitOfWork) string
}

// Handler ingests report messages and answers with the next instruction
// for the reporting page.
type Handler struct {
	log     logrus.FieldLogger
	sched   *scheduler.Scheduler
	store   *report.Store
	reg     *session.Registry
	metrics *Metrics
	pageURL func(u *unit.UnitOfWork) string
}

// NewHandler creates the report protocol handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		log:     cfg.Logger.WithField("component", "protocol"),
		sched:   cfg.Scheduler,
		store:   cfg.Store,
		reg:     cfg.Sessions,
		metrics: cfg.Metrics,
		pageURL: cfg.PageURL,
	}
}

// Router assembles the transport: an ordered middleware pipeline, the
// report path, and the health/metrics endpoints beside it.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requestLogger)

	r.Post("/report", h.handleReport)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", h.metrics.Handler())

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debug("handled request")
	})
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxReportBytes)

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		// The browser navigating away mid-report aborts the request;
		// that is not an error condition.
		if r.Context().Err() != nil {
			return
		}
		h.clientError(w, "malformed report body")
		return
	}

	switch msg.Kind {
	case KindAck:
		h.handleAck(w, &msg)
	case KindTestEnd:
		h.handleTestEnd(w, &msg)
	case KindRunEnd:
		h.handleRunEnd(w, &msg)
	default:
		h.log.WithField("kind", string(msg.Kind)).Warn("ignoring unrecognized report kind")
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *Handler) handleAck(w http.ResponseWriter, msg *Message) {
	if !h.validUnit(w, msg) {
		return
	}
	h.metrics.Reports.WithLabelValues(string(KindAck)).Inc()
	h.reg.Touch(msg.UnitID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTestEnd(w http.ResponseWriter, msg *Message) {
	if !h.validUnit(w, msg) {
		return
	}

	var payload TestEndPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Name == "" {
		h.clientError(w, "malformed testEnd payload")
		return
	}

	h.metrics.Reports.WithLabelValues(string(KindTestEnd)).Inc()
	h.reg.Touch(msg.UnitID)

	if flaky := h.store.RecordTestResult(msg.UnitID, payload.Name, payload.Failure); flaky {
		h.metrics.FlakyTests.Inc()
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRunEnd(w http.ResponseWriter, msg *Message) {
	if !h.validUnit(w, msg) {
		return
	}

	var payload RunEndPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.clientError(w, "malformed runEnd payload")
		return
	}

	h.metrics.Reports.WithLabelValues(string(KindRunEnd)).Inc()
	h.reg.Touch(msg.UnitID)
	h.store.FinalizeRun(msg.UnitID, payload.Passed+payload.Failed)

	res := h.sched.DecideAfterCompletion(msg.UnitID, scheduler.Outcome{
		Passed: payload.Passed,
		Failed: payload.Failed,
	})

	switch res.Decision {
	case scheduler.DecisionSoftRetry:
		h.metrics.SoftRetries.Inc()
		h.writeInstruction(w, Instruction{Action: ActionNavigate, URL: h.pageURL(res.Unit)})

	case scheduler.DecisionHardRetry:
		// The orchestrator discards this session and relaunches; the
		// page itself has nothing further to do.
		h.metrics.HardRetries.Inc()
		h.writeInstruction(w, Instruction{Action: ActionDone})

	case scheduler.DecisionAdvance:
		if res.Unit != nil {
			h.reg.Rebind(msg.UnitID, res.Unit.ID())
			h.writeInstruction(w, Instruction{Action: ActionNavigate, URL: h.pageURL(res.Unit)})
			return
		}
		h.writeInstruction(w, Instruction{Action: ActionDone})

	case scheduler.DecisionDone:
		h.writeInstruction(w, Instruction{Action: ActionDone})
	}
}

// validUnit rejects reports for ids this run never planned and for units
// that have no session to report from (still queued in the backlog). Both
// are client errors on an external interface, not contract violations.
func (h *Handler) validUnit(w http.ResponseWriter, msg *Message) bool {
	if msg.UnitID == "" || !h.store.Known(msg.UnitID) {
		h.clientError(w, "unknown unit id")
		return false
	}
	if !h.sched.IsResolvable(msg.UnitID) {
		h.clientError(w, "unit has no session")
		return false
	}
	return true
}

func (h *Handler) clientError(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

func (h *Handler) writeInstruction(w http.ResponseWriter, in Instruction) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(in); err != nil {
		h.log.WithError(err).Debug("failed to write instruction")
	}
}
