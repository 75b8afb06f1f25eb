package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fiffu/recordwatch/config"
	"github.com/fiffu/recordwatch/lib"
	"github.com/fiffu/recordwatch/lib/cursor"
	"github.com/fiffu/recordwatch/lib/models"
	"github.com/fiffu/recordwatch/lib/poller"
	"github.com/fiffu/recordwatch/lib/remote"
	"github.com/fiffu/recordwatch/lib/streaming"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// API is the subset of lib.Service served over HTTP.
type API interface {
	PollUpdates(ctx context.Context, entity string, initialWindowMinutes int, fields []string) (*models.PollResult, error)
	PollDeletions(ctx context.Context, entity string, initialWindowMinutes int) (*models.PollResult, error)
	Checkpoint(ctx context.Context, entity string) (time.Time, bool, error)
	ResetCheckpoint(ctx context.Context, entity string) error
	CreateWatch(ctx context.Context, entity string, windowMinutes int, fields []string, trackDeletes bool, platform, recipient string) (*models.Watch, error)
	FindChangeLogs(ctx context.Context, entity string, limit int) (models.ChangeLogs, error)
	ForwardTopic(ctx context.Context, topic, chaseEntity, platform, recipient string) (*models.TopicForward, error)
	StopForward(ctx context.Context, topic string) error
	PublishTopic(ctx context.Context, topic, query, description string) (*remote.Topic, error)
	SessionState() streaming.State
	SessionError() error
	Subscriptions() []streaming.Subscription
}

func NewAPI(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, svc *lib.Service, reg *prometheus.Registry) *http.Server {
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: router(cfg, log, svc, reg)}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Sugar().Infow("Starting HTTP server", "addr", addr)
			go srv.ListenAndServe()
			return nil
		},
		OnStop: srv.Shutdown,
	})

	return srv
}

func router(cfg *config.Config, log *zap.Logger, svc API, reg *prometheus.Registry) http.Handler {
	ctrl := &controller{log, svc}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	r.Route("/api", func(r chi.Router) {
		if creds := cfg.GetCreds(); len(creds) > 0 {
			r.Use(middleware.BasicAuth("recordwatch", creds))
		} else {
			log.Sugar().Info("Auth is disabled since no credentials are defined")
		}

		r.Get("/updates/{entity}", ctrl.pollUpdates)
		r.Get("/deletions/{entity}", ctrl.pollDeletions)

		r.Route("/checkpoints/{entity}", func(r chi.Router) {
			r.Get("/", ctrl.viewCheckpoint)
			r.Delete("/", ctrl.resetCheckpoint)
		})

		r.Route("/watches", func(r chi.Router) {
			r.Post("/", ctrl.createWatch)
			r.Get("/{entity}/changes", ctrl.viewChanges)
		})

		r.Route("/topics/{topic}", func(r chi.Router) {
			r.Post("/", ctrl.publishTopic)
			r.Post("/forward", ctrl.forwardTopic)
			r.Delete("/", ctrl.stopForward)
		})

		r.Get("/session", ctrl.viewSession)
	})

	return r
}

type controller struct {
	log *zap.Logger
	svc API
}

func (ctrl *controller) reject(w http.ResponseWriter, status int, err error) {
	if err != nil {
		http.Error(w, err.Error(), status)
	} else {
		w.WriteHeader(status)
	}
}

// fail picks the status for err and rejects with it.
func (ctrl *controller) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lib.ErrInvalidArgument),
		errors.Is(err, poller.ErrInvalidWindow):
		status = http.StatusBadRequest
	case errors.Is(err, cursor.ErrStoreFault):
		status = http.StatusServiceUnavailable
	case errors.Is(err, streaming.ErrHandshakeFailed),
		errors.Is(err, streaming.ErrSessionInvalidated):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		ctrl.log.Sugar().Errorw("Request failed", "err", err)
	}
	ctrl.reject(w, status, err)
}

func (ctrl *controller) resolve(w http.ResponseWriter, status int, body any) {
	if b, err := json.Marshal(body); err != nil {
		ctrl.reject(w, http.StatusInternalServerError, err)
		ctrl.log.Sugar().Error("Request failed", "error", err)
		return
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if b != nil {
			w.Write(b)
		}
	}
}

func (ctrl *controller) pollUpdates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entity := chi.URLParam(r, "entity")

	window, err := windowParam(r)
	if err != nil {
		ctrl.reject(w, http.StatusBadRequest, err)
		return
	}

	result, err := ctrl.svc.PollUpdates(ctx, entity, window, models.SplitList(r.FormValue("fields")))
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, PollResultView{}.From(result))
}

func (ctrl *controller) pollDeletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entity := chi.URLParam(r, "entity")

	window, err := windowParam(r)
	if err != nil {
		ctrl.reject(w, http.StatusBadRequest, err)
		return
	}

	result, err := ctrl.svc.PollDeletions(ctx, entity, window)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, PollResultView{}.From(result))
}

func (ctrl *controller) viewCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entity := chi.URLParam(r, "entity")

	ts, found, err := ctrl.svc.Checkpoint(ctx, entity)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	if !found {
		ctrl.reject(w, http.StatusNotFound, fmt.Errorf("no checkpoint for %s", entity))
		return
	}
	ctrl.resolve(w, http.StatusOK, CheckpointView{entity, ts.UTC().Format(time.RFC3339Nano)})
}

func (ctrl *controller) resetCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entity := chi.URLParam(r, "entity")

	if err := ctrl.svc.ResetCheckpoint(ctx, entity); err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.reject(w, http.StatusNoContent, nil)
}

func (ctrl *controller) createWatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entity := r.FormValue("entity")
	platform := r.FormValue("platform")
	recipient := r.FormValue("recipient")

	if entity == "" {
		ctrl.reject(w, 400, errors.New("Entity is required"))
		return
	}
	if recipient == "" {
		ctrl.reject(w, 400, errors.New("Recipient is required"))
		return
	}
	if platform == "" {
		platform = "email"
	}

	trackDeletes, _ := strconv.ParseBool(r.FormValue("track_deletes"))
	watch, err := ctrl.svc.CreateWatch(ctx, entity, parseInt(r.FormValue("window")), models.SplitList(r.FormValue("fields")), trackDeletes, platform, recipient)
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusCreated, WatchView{}.From(watch))
}

func (ctrl *controller) viewChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entity := chi.URLParam(r, "entity")

	logs, err := ctrl.svc.FindChangeLogs(ctx, entity, parseInt(r.FormValue("limit")))
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, FromMany[models.ChangeLog, ChangeLogView](logs))
}

func (ctrl *controller) forwardTopic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topic := chi.URLParam(r, "topic")
	platform := r.FormValue("platform")
	if platform == "" {
		platform = "email"
	}

	fwd, err := ctrl.svc.ForwardTopic(ctx, topic, r.FormValue("chase"), platform, r.FormValue("recipient"))
	switch {
	case fwd != nil && err != nil:
		// Stored, but not attached until the session reconnects.
		view := ForwardView{}.From(fwd)
		view.Error = err.Error()
		ctrl.resolve(w, http.StatusAccepted, view)
	case err != nil:
		ctrl.fail(w, err)
	default:
		ctrl.resolve(w, http.StatusCreated, ForwardView{}.From(fwd))
	}
}

func (ctrl *controller) stopForward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topic := chi.URLParam(r, "topic")

	if err := ctrl.svc.StopForward(ctx, topic); err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.reject(w, http.StatusNoContent, nil)
}

func (ctrl *controller) publishTopic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topic := chi.URLParam(r, "topic")
	query := r.FormValue("query")

	if query == "" {
		ctrl.reject(w, 400, errors.New("Query is required"))
		return
	}

	published, err := ctrl.svc.PublishTopic(ctx, topic, query, r.FormValue("description"))
	if err != nil {
		ctrl.fail(w, err)
		return
	}
	ctrl.resolve(w, http.StatusOK, TopicView{}.From(published))
}

func (ctrl *controller) viewSession(w http.ResponseWriter, r *http.Request) {
	view := SessionView{
		State:         ctrl.svc.SessionState().String(),
		Subscriptions: FromMany[streaming.Subscription, SubscriptionView](ctrl.svc.Subscriptions()),
	}
	if err := ctrl.svc.SessionError(); err != nil {
		view.LastError = err.Error()
	}
	ctrl.resolve(w, http.StatusOK, view)
}

// windowParam reads the initial window in minutes, defaulting to an hour.
func windowParam(r *http.Request) (int, error) {
	s := r.FormValue("window")
	if s == "" {
		return 60, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("window must be a number of minutes: %w", err)
	}
	return n, nil
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
