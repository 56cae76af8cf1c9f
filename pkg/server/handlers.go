package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ouka/pkg/activity"
	"ouka/pkg/auth"
	"ouka/pkg/delivery"
	"ouka/pkg/federation"
)

type contextKey string

const localActorKey contextKey = "local-actor"

const healthTimeout = 2 * time.Second

// localActor resolves the {userpart} route parameter, answering 404 for
// unknown or gone accounts.
func (s *Server) localActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		local, err := s.directory.ResolveLocalByUserpart(r.Context(), chi.URLParam(r, "userpart"))
		if err != nil {
			s.lookupFailed(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), localActorKey, local)))
	})
}

func localFromContext(ctx context.Context) *federation.LocalActor {
	local, _ := ctx.Value(localActorKey).(*federation.LocalActor)
	return local
}

func (s *Server) lookupFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, federation.ErrActorNotFound) {
		writeError(w, http.StatusNotFound, "no such actor")
		return
	}
	s.logger.Error("Failed to resolve local actor", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// handleHealth answers 503 when any dependency check fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(s.opts.Checks))
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, code, "application/json", map[string]any{
		"status": status,
		"host":   s.directory.Node().Host,
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"checks": checks,
	})
}

// handleWebfinger accepts acct: resources and local actor URIs.
func (s *Server) handleWebfinger(w http.ResponseWriter, r *http.Request) {
	node := s.directory.Node()
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resource == "" {
		writeError(w, http.StatusBadRequest, "missing resource parameter")
		return
	}

	var userpart string
	if strings.HasPrefix(resource, "https://") || strings.HasPrefix(resource, "http://") {
		up, ok := node.LocalUserpart(resource)
		if !ok {
			writeError(w, http.StatusBadRequest, "resource is not a local actor")
			return
		}
		userpart = up
	} else {
		addr, err := federation.ParseAcctURI(resource)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !addr.IsLocal(node.Host) {
			writeError(w, http.StatusBadRequest, "resource belongs to another host")
			return
		}
		userpart = addr.LocalPart
	}

	local, err := s.directory.ResolveLocalByUserpart(r.Context(), userpart)
	if err != nil {
		s.lookupFailed(w, err)
		return
	}

	addr := &federation.AcctAddress{LocalPart: local.Userpart, Domain: node.Host}
	writeJSON(w, http.StatusOK, federation.JRDContentType, federation.NewWebFinger(addr, local.URI()))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, federation.ContentType, localFromContext(r.Context()).Profile())
}

// handleOutbox normalizes a locally authored activity, attributes it to the
// outbox owner and queues it for delivery.
func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	local := localFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.opts.MaxBodyBytes)))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	doc, err := activity.ParseDocument(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	normalized, err := activity.Normalize(doc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := normalized.Activity
	out["actor"] = local.URI()
	if out.ID() == "" {
		out["id"] = local.URI() + "/activities/" + uuid.NewString()
	}

	err = s.queue.Enqueue(delivery.Job{
		Source:    local,
		Activity:  out,
		Receivers: normalized.Receivers,
	})
	if err != nil {
		s.enqueueFailed(w, err)
		return
	}

	s.logger.Info("Accepted outbox activity",
		zap.String("actor", local.URI()),
		zap.String("id", out.ID()),
		zap.String("type", out.Type()),
		zap.Int("receivers", len(normalized.Receivers)),
		zap.Bool("public", normalized.IsPublic))

	w.Header().Set("Location", out.ID())
	writeJSON(w, http.StatusAccepted, federation.ContentType, out)
}

// handleInbox runs after signature verification. The activity's actor must
// be the signer.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	local := localFromContext(r.Context())
	sender, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	doc, err := activity.ParseDocument(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if actor := doc.Actor(); actor != "" && federation.NormalizeURI(actor) != sender.URI() {
		writeError(w, http.StatusForbidden, "activity actor does not match signature")
		return
	}

	if err := s.inbox.HandleInbox(r.Context(), local, sender, doc); err != nil {
		switch {
		case errors.Is(err, activity.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, delivery.ErrQueueFull), errors.Is(err, delivery.ErrQueueClosed):
			s.enqueueFailed(w, err)
		default:
			s.logger.Error("Inbox handler failed",
				zap.String("actor", local.URI()),
				zap.String("sender", sender.URI()),
				zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) enqueueFailed(w http.ResponseWriter, err error) {
	s.logger.Warn("Failed to enqueue delivery", zap.Error(err))
	w.Header().Set("Retry-After", "30")
	writeError(w, http.StatusServiceUnavailable, "delivery queue unavailable")
}

func writeJSON(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, "application/json", map[string]string{"error": message})
}
