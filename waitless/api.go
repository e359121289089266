package waitless

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/waitless/kit"
	"github.com/hazyhaar/waitless/stability"
)

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	s.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the API routes on r.
func (s *Service) RegisterHTTP(r chi.Router) {
	e := s.Endpoints()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(s.Sessions())})
	})

	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, http.StatusOK, e.Sessions, nil)
	})

	r.Post("/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req OpenRequest
		if !decodeBody(w, r, &req) {
			return
		}
		serve(w, r, http.StatusCreated, e.Open, &req)
	})

	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			if _, err := e.Close(ctxFor(r), &SessionRequest{SessionID: chi.URLParam(r, "id")}); err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
			serve(w, r, http.StatusOK, e.Diagnostics, &SessionRequest{SessionID: chi.URLParam(r, "id")})
		})

		r.Get("/stable", func(w http.ResponseWriter, r *http.Request) {
			req, err := waitQuery(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			req.SessionID = chi.URLParam(r, "id")
			serve(w, r, http.StatusOK, e.Stable, req)
		})

		r.Post("/wait", func(w http.ResponseWriter, r *http.Request) {
			var req WaitRequest
			if !decodeBody(w, r, &req) {
				return
			}
			req.SessionID = chi.URLParam(r, "id")
			serve(w, r, http.StatusOK, e.Wait, &req)
		})

		r.Post("/actions", func(w http.ResponseWriter, r *http.Request) {
			var req ActionRequest
			if !decodeBody(w, r, &req) {
				return
			}
			req.SessionID = chi.URLParam(r, "id")
			resp, err := e.Action(ctxFor(r), &req)
			if err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			res := resp.(*ActionResult)
			code := http.StatusOK
			switch {
			case res.Aborted:
				code = http.StatusConflict
			case res.Error != "":
				code = http.StatusUnprocessableEntity
			}
			writeJSON(w, code, res)
		})
	})

	r.Get("/profiles", func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, http.StatusOK, e.Profiles, nil)
	})

	r.Put("/profiles", func(w http.ResponseWriter, r *http.Request) {
		var req ProfileRequest
		if !decodeBody(w, r, &req) {
			return
		}
		serve(w, r, http.StatusOK, e.PutProfile, &req)
	})

	r.Delete("/profiles", func(w http.ResponseWriter, r *http.Request) {
		if _, err := e.DelProfile(ctxFor(r), &ProfileRequest{URLPrefix: r.URL.Query().Get("prefix")}); err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/reports", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		serve(w, r, http.StatusOK, e.Reports, &ReportsRequest{
			SessionID: q.Get("session_id"),
			Outcome:   stability.Outcome(q.Get("outcome")),
			Limit:     limit,
		})
	})
}

func ctxFor(r *http.Request) context.Context {
	return kit.WithTransport(r.Context(), "http")
}

func serve(w http.ResponseWriter, r *http.Request, code int, e kit.Endpoint, req any) {
	resp, err := e(ctxFor(r), req)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, code, resp)
}

// decodeBody reads an optional JSON body into v. It writes the error
// response itself and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// waitQuery reads wait overrides from query parameters.
func waitQuery(r *http.Request) (*WaitRequest, error) {
	q := r.URL.Query()
	req := &WaitRequest{}
	fields := map[string]*int64{
		"max_wait_ms":         &req.MaxWaitMs,
		"poll_interval_ms":    &req.PollIntervalMs,
		"mutation_settle_ms":  &req.MutationSettleMs,
		"network_idle_ms":     &req.NetworkIdleMs,
		"animation_settle_ms": &req.AnimationSettleMs,
	}
	for name, dst := range fields {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.New(name + ": " + err.Error())
		}
		*dst = n
	}
	if v := q.Get("ignore_signals"); v != "" {
		for _, k := range strings.Split(v, ",") {
			req.IgnoreSignals = append(req.IgnoreSignals, stability.Kind(strings.TrimSpace(k)))
		}
	}
	return req, nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, ErrNoDatabase):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
