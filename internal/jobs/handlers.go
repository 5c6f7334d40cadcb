package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/refreshcache/engine"
)

// Handler runs cache tasks against a Manager.
type Handler struct {
	m   *engine.Manager
	log zerolog.Logger
	now func() time.Time
}

func NewHandler(m *engine.Manager, log zerolog.Logger) *Handler {
	return &Handler{m: m, log: log, now: time.Now}
}

// Register routes every cache task to h.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskRefresh, h.HandleRefresh)
	mux.HandleFunc(TaskInvalidate, h.HandleInvalidate)
	mux.HandleFunc(TaskCleanup, h.HandleCleanup)
}

func (h *Handler) HandleRefresh(ctx context.Context, t *asynq.Task) error {
	p, kind, err := h.entryTask(t)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = kind.Reload(ctx, p.ID)
	return h.finish("refresh", p, time.Since(start), err)
}

func (h *Handler) HandleInvalidate(_ context.Context, t *asynq.Task) error {
	p, kind, err := h.entryTask(t)
	if err != nil {
		return err
	}
	return h.finish("invalidate", p, 0, kind.Invalidate(p.ID))
}

func (h *Handler) HandleCleanup(ctx context.Context, t *asynq.Task) error {
	var p CleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			h.log.Error().Err(err).Str("task", t.Type()).Msg("bad payload")
			return fmt.Errorf("bad payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	bound := h.now().Add(-time.Duration(p.MaxAgeSeconds) * time.Second)
	removed, err := h.m.Cleanup(ctx, bound)
	if err != nil {
		h.log.Warn().Err(err).Msg("cleanup failed")
		return err
	}
	h.log.Info().Int("removed", removed).Time("before", bound).Msg("cleanup done")
	return nil
}

func (h *Handler) entryTask(t *asynq.Task) (EntryPayload, engine.AnyKind, error) {
	var p EntryPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.log.Error().Err(err).Str("task", t.Type()).Msg("bad payload")
		return p, nil, fmt.Errorf("bad payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := p.validate(); err != nil {
		return p, nil, fmt.Errorf("%s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	kind, err := h.m.Kind(p.Kind)
	if err != nil {
		h.log.Error().Err(err).Str("kind", p.Kind).Msg("dropping task")
		return p, nil, fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return p, kind, nil
}

func (h *Handler) finish(op string, p EntryPayload, d time.Duration, err error) error {
	log := h.log.With().Str("op", op).Str("kind", p.Kind).Str("id", p.ID).Dur("duration", d).Logger()
	if err == nil {
		log.Info().Msg("done")
		return nil
	}
	if IsRetryable(err) {
		log.Warn().Err(err).Msg("retryable error")
		return err
	}
	log.Error().Err(err).Msg("permanent error, dropping job")
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

// IsRetryable determines if an error should trigger a job retry
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, engine.ErrRetryBackoff):
		return true
	case errors.Is(err, engine.ErrUnknownKind), errors.Is(err, engine.ErrNilIdentity):
		return false
	}

	var de *engine.DecodeError
	if errors.As(err, &de) {
		return false
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
