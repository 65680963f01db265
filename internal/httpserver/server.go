package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/promogate/release-gate/internal/auth"
	"github.com/promogate/release-gate/internal/config"
	"github.com/promogate/release-gate/internal/models"
	"github.com/promogate/release-gate/internal/service"
	"github.com/promogate/release-gate/internal/store"
)

type Server struct {
	cfg     config.Config
	service *service.Service
	store   store.Store
}

func New(cfg config.Config, svc *service.Service, st store.Store) *Server {
	return &Server{cfg: cfg, service: svc, store: st}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(auth.Middleware(auth.Config{HMACSecret: s.cfg.AuthHMACSecret}))

	r.Get("/health", s.handleHealth)

	r.Route("/applications", func(r chi.Router) {
		r.Post("/", s.handleCreateApplication)
		r.Get("/", s.handleListApplications)
		r.Get("/{id}", s.handleGetApplication)
		r.Put("/{id}", s.handleUpdateApplication)
		r.Delete("/{id}", s.handleDeleteApplication)
		r.Get("/{id}/releases", s.handleListReleasesByApplication)
	})

	r.Route("/releases", func(r chi.Router) {
		r.Post("/", s.handleCreateRelease)
		r.Get("/", s.handleListReleasesByStatus)
		r.Get("/{id}", s.handleGetRelease)
		r.Put("/{id}", s.handleUpdateRelease)
		r.Delete("/{id}", s.handleDeleteRelease)
		r.Post("/{id}/promote", s.handlePromote)
		r.Post("/{id}/reject", s.handleReject)
		r.Post("/{id}/deploy", s.handleDeploy)
		r.Post("/{id}/approvals", s.handleRecordApproval)
		r.Get("/{id}/approvals", s.handleListApprovals)
		r.Get("/{id}/checklist", s.handleChecklist)
		r.Get("/{id}/timeline", s.handleTimeline)
	})

	r.Patch("/approvals/{id}", s.handleCorrectApproval)
	r.Get("/approvals/pending", s.handlePendingApprovals)

	r.Get("/audit", s.handleAuditTrail)
	r.Post("/policy/reload", s.handleReloadPolicy)
	r.Get("/evidence/score", s.handleScore)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// --- applications ---

type applicationRequest struct {
	Name      string `json:"name"`
	OwnerTeam string `json:"ownerTeam"`
	RepoURL   string `json:"repoUrl"`
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var req applicationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	app, err := s.service.CreateApplication(r.Context(), service.CreateApplicationRequest{
		Name:      req.Name,
		OwnerTeam: req.OwnerTeam,
		RepoURL:   req.RepoURL,
		Actor:     auth.Actor(r.Context()),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, app)
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := s.service.ListApplications(r.Context(), queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listPayload(apps))
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	app, err := s.service.GetApplication(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, app)
}

func (s *Server) handleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req applicationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	app, err := s.service.UpdateApplication(r.Context(), service.UpdateApplicationRequest{
		ID:        id,
		Name:      req.Name,
		OwnerTeam: req.OwnerTeam,
		RepoURL:   req.RepoURL,
		Actor:     auth.Actor(r.Context()),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, app)
}

func (s *Server) handleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.service.DeleteApplication(r.Context(), id, auth.Actor(r.Context())); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- releases ---

type releaseRequest struct {
	ApplicationID string `json:"applicationId"`
	Version       string `json:"version"`
	Environment   string `json:"environment"`
	EvidenceURL   string `json:"evidenceUrl"`
	EvidenceScore *int   `json:"evidenceScore"`
}

func (s *Server) handleCreateRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	appID, err := uuid.Parse(req.ApplicationID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid applicationId")
		return
	}
	env := models.EnvDev
	if req.Environment != "" {
		env, err = models.ParseEnvironment(req.Environment)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	rel, err := s.service.CreateRelease(r.Context(), service.CreateReleaseRequest{
		ApplicationID:  appID,
		Version:        req.Version,
		Environment:    env,
		EvidenceURL:    req.EvidenceURL,
		EvidenceScore:  req.EvidenceScore,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Actor:          auth.Actor(r.Context()),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rel, err := s.service.GetRelease(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

func (s *Server) handleListReleasesByApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	releases, err := s.service.ListReleasesByApplication(r.Context(), id, queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listPayload(releases))
}

func (s *Server) handleListReleasesByStatus(w http.ResponseWriter, r *http.Request) {
	status, err := models.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	releases, err := s.service.ListReleasesByStatus(r.Context(), status, queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listPayload(releases))
}

type updateReleaseRequest struct {
	Version            string `json:"version"`
	Environment        string `json:"environment"`
	EvidenceURL        string `json:"evidenceUrl"`
	EvidenceScore      *int   `json:"evidenceScore"`
	ExpectedRowVersion *int   `json:"expectedRowVersion"`
}

func (s *Server) handleUpdateRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateReleaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var env models.Environment
	if req.Environment != "" {
		parsed, err := models.ParseEnvironment(req.Environment)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		env = parsed
	}
	rel, err := s.service.UpdateRelease(r.Context(), service.UpdateReleaseRequest{
		ID:                 id,
		Version:            req.Version,
		Environment:        env,
		EvidenceURL:        req.EvidenceURL,
		EvidenceScore:      req.EvidenceScore,
		ExpectedRowVersion: req.ExpectedRowVersion,
		Actor:              auth.Actor(r.Context()),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

func (s *Server) handleDeleteRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.service.DeleteRelease(r.Context(), id, auth.Actor(r.Context())); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type promoteRequest struct {
	TargetEnv string `json:"targetEnv"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req promoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := models.ParseEnvironment(req.TargetEnv)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rel, err := s.service.Promote(r.Context(), id, target, auth.Actor(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req notesRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rel, err := s.service.Reject(r.Context(), id, req.Notes, auth.Actor(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req notesRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rel, err := s.service.Deploy(r.Context(), id, req.Notes, auth.Actor(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

// --- approvals ---

type approvalRequest struct {
	ApproverEmail string `json:"approverEmail"`
	Outcome       string `json:"outcome"`
	Notes         string `json:"notes"`
}

func (s *Server) handleRecordApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req approvalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := models.ParseOutcome(req.Outcome)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	approver := req.ApproverEmail
	if approver == "" {
		approver = auth.Actor(r.Context())
	}
	ap, err := s.service.RecordApproval(r.Context(), service.RecordApprovalRequest{
		ReleaseID:     id,
		ApproverEmail: approver,
		Outcome:       outcome,
		Notes:         req.Notes,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ap)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	approvals, err := s.service.ListApprovals(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listPayload(approvals))
}

func (s *Server) handleCorrectApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req approvalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := models.ParseOutcome(req.Outcome)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ap, err := s.service.CorrectApproval(r.Context(), id, outcome, req.Notes, auth.Actor(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ap)
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	approver := r.URL.Query().Get("approver")
	if approver == "" {
		approver = auth.Actor(r.Context())
	}
	approvals, err := s.service.PendingForApprover(r.Context(), approver)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listPayload(approvals))
}

// --- derived views and policy ---

func (s *Server) handleChecklist(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	cl, err := s.service.Checklist(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cl)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	events, err := s.service.Timeline(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listPayload(events))
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.AuditTrail(r.Context(), store.AuditFilter{
		EntityType: r.URL.Query().Get("entityType"),
		EntityID:   r.URL.Query().Get("entityId"),
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listPayload(records))
}

func (s *Server) handleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	doc := s.service.ReloadPolicy()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":      true,
		"minApprovals":  doc.MinApprovals,
		"minScore":      doc.MinScore,
		"freezeWindows": len(doc.FreezeWindows),
	})
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"url":   u,
		"score": s.service.Score(u),
	})
}

// --- helpers ---

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return errEmptyBody
	}
	return err
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// listPayload keeps list responses as [] rather than null.
func listPayload[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondServiceError(w http.ResponseWriter, err error) {
	var denied *service.PolicyDeniedError
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrDuplicateRelease),
		errors.Is(err, store.ErrDuplicateIdempotencyKey),
		errors.Is(err, store.ErrDuplicateApproval):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &denied):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "promotion denied",
			"reason": denied.Reason,
		})
	case service.IsValidation(err):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("[http] internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
