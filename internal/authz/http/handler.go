// Package authzhttp exposes the acl engine over HTTP. Thin glue: handlers
// decode, validate and translate; every decision and mutation lives in the
// engine services.
package authzhttp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-research/meridian-authz/internal/authz"
	"github.com/meridian-research/meridian-authz/internal/platform/httpx"
)

// Handler serves the engine endpoints.
type Handler struct {
	service   *authz.Service
	evaluator *authz.Evaluator
	explainer *authz.Explainer
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewHandler constructs the HTTP handler.
func NewHandler(service *authz.Service, evaluator *authz.Evaluator, explainer *authz.Explainer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:   service,
		evaluator: evaluator,
		explainer: explainer,
		validate:  validator.New(),
		logger:    logger,
	}
}

// MountRoutes attaches the engine routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/v1/authorize", h.authorize)
	r.Post("/v1/check", h.check)
	r.Post("/v1/checks", h.checks)
	r.Post("/v1/acl", h.acl)
	r.Post("/v1/explain", h.explain)
	r.Post("/v1/grant", h.grant)
	r.Post("/v1/permissions/add", h.addPermissions)
	r.Post("/v1/permissions/remove", h.removePermissions)
	r.Post("/v1/permissions/set", h.setPermissions)
	r.Post("/v1/objects/delete", h.deleteObject)
	r.Post("/v1/principals/purge", h.purgePrincipal)
}

type principalDTO struct {
	Type string `json:"type" validate:"required,oneof=USER ROLE ORGANIZATION"`
	ID   string `json:"id" validate:"required"`
}

func (d principalDTO) toDomain() authz.Principal {
	return authz.Principal{Type: authz.PrincipalType(d.Type), ID: d.ID}
}

func toPrincipals(dtos []principalDTO) []authz.Principal {
	out := make([]authz.Principal, len(dtos))
	for i, d := range dtos {
		out[i] = d.toDomain()
	}
	return out
}

func parsePermissions(names []string) (authz.PermissionSet, error) {
	return authz.ParsePermissionSet(names)
}

type authorizeRequest struct {
	Requests   map[string][]string `json:"requests" validate:"required,min=1"`
	Principals []principalDTO      `json:"principals" validate:"required,min=1,dive"`
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	requests := make(map[authz.AclKeyIndex]authz.PermissionSet, len(req.Requests))
	for index, names := range req.Requests {
		if _, err := authz.ParseAclKeyIndex(authz.AclKeyIndex(index)); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid ACL Key", err.Error())
			return
		}
		perms, err := parsePermissions(names)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Permission", err.Error())
			return
		}
		requests[authz.AclKeyIndex(index)] = perms
	}
	results, err := h.evaluator.Authorize(r.Context(), requests, toPrincipals(req.Principals))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	payload := make(map[string]map[string]bool, len(results))
	for index, perms := range results {
		entry := make(map[string]bool, len(perms))
		for p, granted := range perms {
			entry[p.String()] = granted
		}
		payload[string(index)] = entry
	}
	httpx.JSON(w, http.StatusOK, payload)
}

type checkRequest struct {
	AclKey      string         `json:"acl_key" validate:"required"`
	Principals  []principalDTO `json:"principals" validate:"required,min=1,dive"`
	Permissions []string       `json:"permissions" validate:"required,min=1"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, err := authz.ParseAclKeyIndex(authz.AclKeyIndex(req.AclKey))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ACL Key", err.Error())
		return
	}
	perms, err := parsePermissions(req.Permissions)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Permission", err.Error())
		return
	}
	granted, err := h.evaluator.CheckAll(r.Context(), key, toPrincipals(req.Principals), perms)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

type accessCheckDTO struct {
	AclKey      string   `json:"acl_key" validate:"required"`
	Permissions []string `json:"permissions" validate:"required,min=1"`
}

type checksRequest struct {
	Checks     []accessCheckDTO `json:"checks" validate:"required,min=1,dive"`
	Principals []principalDTO   `json:"principals" validate:"required,min=1,dive"`
}

func (h *Handler) checks(w http.ResponseWriter, r *http.Request) {
	var req checksRequest
	if !h.decode(w, r, &req) {
		return
	}
	checks := make([]authz.AccessCheck, len(req.Checks))
	for i, c := range req.Checks {
		key, err := authz.ParseAclKeyIndex(authz.AclKeyIndex(c.AclKey))
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid ACL Key", err.Error())
			return
		}
		perms, err := parsePermissions(c.Permissions)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Permission", err.Error())
			return
		}
		checks[i] = authz.AccessCheck{Key: key, Permissions: perms}
	}
	results, err := h.evaluator.AccessChecksForPrincipals(r.Context(), checks, toPrincipals(req.Principals))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, results)
}

type keyRequest struct {
	AclKey string `json:"acl_key" validate:"required"`
}

func (h *Handler) acl(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, err := authz.ParseAclKeyIndex(authz.AclKeyIndex(req.AclKey))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ACL Key", err.Error())
		return
	}
	acl, err := h.evaluator.GetAllPermissions(r.Context(), key)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, acl)
}

func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, err := authz.ParseAclKeyIndex(authz.AclKeyIndex(req.AclKey))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ACL Key", err.Error())
		return
	}
	paths, err := h.explainer.ExplainAccess(r.Context(), key)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	payload := make(map[string][][]string, len(paths))
	for principal, chains := range paths {
		rendered := make([][]string, len(chains))
		for i, chain := range chains {
			steps := make([]string, len(chain))
			for j, step := range chain {
				steps[j] = step.String()
			}
			rendered[i] = steps
		}
		payload[principal.String()] = rendered
	}
	httpx.JSON(w, http.StatusOK, payload)
}

type grantRequest struct {
	AclKey      string       `json:"acl_key" validate:"required"`
	Principal   principalDTO `json:"principal" validate:"required"`
	Permissions []string     `json:"permissions" validate:"required,min=1"`
	ObjectType  string       `json:"object_type"`
	Expiration  *time.Time   `json:"expiration,omitempty"`
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, perms, ok := h.keyAndPerms(w, req.AclKey, req.Permissions)
	if !ok {
		return
	}
	expiration := authz.NoExpiration
	if req.Expiration != nil {
		expiration = *req.Expiration
	}
	err := h.service.Grant(r.Context(), key, req.Principal.toDomain(), perms,
		authz.SecurableObjectType(req.ObjectType), expiration)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mutateRequest struct {
	AclKey      string       `json:"acl_key" validate:"required"`
	Principal   principalDTO `json:"principal" validate:"required"`
	Permissions []string     `json:"permissions" validate:"required,min=1"`
	Expiration  *time.Time   `json:"expiration,omitempty"`
}

func (h *Handler) addPermissions(w http.ResponseWriter, r *http.Request) {
	var req mutateRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, perms, ok := h.keyAndPerms(w, req.AclKey, req.Permissions)
	if !ok {
		return
	}
	expiration := authz.NoExpiration
	if req.Expiration != nil {
		expiration = *req.Expiration
	}
	if err := h.service.AddPermissionWithExpiration(r.Context(), key, req.Principal.toDomain(), perms, expiration); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removePermissions(w http.ResponseWriter, r *http.Request) {
	var req mutateRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, perms, ok := h.keyAndPerms(w, req.AclKey, req.Permissions)
	if !ok {
		return
	}
	if err := h.service.RemovePermission(r.Context(), key, req.Principal.toDomain(), perms); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setPermissions(w http.ResponseWriter, r *http.Request) {
	var req mutateRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, perms, ok := h.keyAndPerms(w, req.AclKey, req.Permissions)
	if !ok {
		return
	}
	expiration := authz.NoExpiration
	if req.Expiration != nil {
		expiration = *req.Expiration
	}
	if err := h.service.SetPermission(r.Context(), key, req.Principal.toDomain(), perms, expiration); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteObject(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, err := authz.ParseAclKeyIndex(authz.AclKeyIndex(req.AclKey))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ACL Key", err.Error())
		return
	}
	if err := h.service.DeletePermissions(r.Context(), key); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type purgeRequest struct {
	Principal principalDTO `json:"principal" validate:"required"`
}

func (h *Handler) purgePrincipal(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.DeleteAllPrincipalPermissions(r.Context(), req.Principal.toDomain()); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) keyAndPerms(w http.ResponseWriter, rawKey string, rawPerms []string) (authz.AclKey, authz.PermissionSet, bool) {
	key, err := authz.ParseAclKeyIndex(authz.AclKeyIndex(rawKey))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ACL Key", err.Error())
		return nil, 0, false
	}
	perms, err := parsePermissions(rawPerms)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Permission", err.Error())
		return nil, 0, false
	}
	return key, perms, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}
