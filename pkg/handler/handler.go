// Package handler exposes the sync operations as JSON routes on a
// grpc-gateway ServeMux.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator"
	"github.com/gofrs/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"

	"github.com/instill-ai/drivesync-backend/pkg/acl"
	"github.com/instill-ai/drivesync-backend/pkg/service"
	"github.com/instill-ai/drivesync-backend/pkg/source"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

const kbPath = "/v1alpha/knowledge-bases/{kb_uid}"

// Handler serves the sync API.
type Handler struct {
	service  service.Service
	validate *validator.Validate
	log      *zap.Logger
}

// NewHandler initiates a handler instance
func NewHandler(s service.Service, logger *zap.Logger) *Handler {
	return &Handler{
		service:  s,
		validate: validator.New(),
		log:      logger,
	}
}

// Register adds the sync routes to the mux.
func (h *Handler) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		fn      runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1alpha/health/drivesync", h.Liveness},
		{http.MethodPost, kbPath + "/sync:start", h.StartSync},
		{http.MethodPost, kbPath + "/sync:cancel", h.CancelSync},
		{http.MethodGet, kbPath + "/sync", h.GetSyncConfig},
		{http.MethodPatch, kbPath + "/sync", h.SetSyncInterval},
		{http.MethodGet, kbPath + "/files", h.ListSyncedFiles},
		{http.MethodPost, kbPath + "/sources", h.AddSource},
		{http.MethodDelete, kbPath + "/sources/{source_id}", h.RemoveSource},
		{http.MethodPost, kbPath + "/credentials", h.AuthorizeDrive},
		{http.MethodGet, kbPath + "/token-status", h.TokenStatus},
		{http.MethodGet, kbPath + "/shares", h.ListShares},
		{http.MethodPost, kbPath + "/shares", h.ShareWithGroups},
		{http.MethodPost, "/v1alpha/groups/{group_id}/members", h.GroupMemberAdded},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.fn); err != nil {
			return fmt.Errorf("registering %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// Liveness reports the server is up.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "SERVING_STATUS_SERVING"})
}

func kbUIDFromPath(params map[string]string) (types.KBUIDType, error) {
	uid, err := uuid.FromString(params["kb_uid"])
	if err != nil {
		return uuid.Nil, errorsx.AddMessage(
			fmt.Errorf("parsing knowledge base UID: %w", errorsx.ErrInvalidArgument),
			"The knowledge base UID must be a valid UUID.",
		)
	}
	return uid, nil
}

// decode reads and validates a JSON body.
func (h *Handler) decode(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errorsx.AddMessage(
			fmt.Errorf("decoding body: %w: %w", err, errorsx.ErrInvalidArgument),
			"The request body isn't valid JSON.",
		)
	}
	if err := h.validate.Struct(v); err != nil {
		return errorsx.AddMessage(
			fmt.Errorf("validating body: %w: %w", err, errorsx.ErrInvalidArgument),
			err.Error(),
		)
	}
	return nil
}

// StartSync triggers a sync pass.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request, params map[string]string) {
	kbUID, err := kbUIDFromPath(params)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	started, err := h.service.StartSync(r.Context(), kbUID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

// CancelSync flags a running pass for cancellation.
func (h *Handler) CancelSync(w http.ResponseWriter, r *http.Request, params map[string]string) {
	kbUID, err := kbUIDFromPath(params)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	res, err := h.service.CancelSync(r.Context(), kbUID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetSyncConfig returns the sync configuration and status.
func (h *Handler) GetSyncConfig(w http.ResponseWriter, r *http.Request, params map[string]string) {
	kbUID, err := kbUIDFromPath(params)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	cfg, err := h.service.GetSyncConfig(r.Context(), kbUID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// maxSyncIntervalSeconds keeps the conversion to time.Duration from
// overflowing. The service enforces the actual range.
const maxSyncIntervalSeconds = int64(service.MaxSyncInterval / time.Second)

type setSyncIntervalRequest struct {
	SyncIntervalSeconds int64 `json:"syncIntervalSeconds" validate:"required,gt=0"`
}

// SetSyncInterval changes the sync interval.
func (h *Handler) SetSyncInterval(w http.ResponseWriter, r *http.Request, params map[string]string) {
	kbUID, err := kbUIDFromPath(params)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	var req setSyncIntervalRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, err, nil)
		return
	}
	if req.SyncIntervalSeconds > maxSyncIntervalSeconds {
		h.writeError(w, errorsx.AddMessage(
			fmt.Errorf("sync interval of %d seconds: %w", req.SyncIntervalSeconds, errorsx.ErrInvalidArgument),
			fmt.Sprintf("The sync interval must be at most %d seconds.", maxSyncIntervalSeconds),
		), nil)
		return
	}
	interval := time.Duration(req.SyncIntervalSeconds) * time.Second
	if err := h.service.SetSyncInterval(r.Context(), kbUID, interval); err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ListSyncedFiles returns the files mirrored into the knowledge base.
func (h *Handler) ListSyncedFiles(w http.ResponseWriter, r *http.Request, params map[string]string) {
	kbUID, err := kbUIDFromPath(params)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	files, err := h.service.ListSyncedFiles(r.Context(), kbUID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

type addSourceRequest struct {
	NamespaceUID string           `json:"namespaceUid" validate:"required"`
	ItemID       string           `json:"itemId" validate:"required"`
	DriveID      string           `json:"driveId" validate:"required"`
	Name         string           `json:"name"`
	Kind         types.SourceKind `json:"kind"`
}

// AddSource attaches a remote root to the knowledge base.
func (h *Handler) AddSource(w http.ResponseWriter, r *http.Request, params map[string]string) {
	kbUID, err := kbUIDFromPath(params)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	var req addSourceRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, err, nil)
		return
	}
	nsUID, err := uuid.FromString(req.NamespaceUID)
	if err != nil {
		h.writeError(w, errorsx.AddMessage(
			fmt.Errorf("parsing namespace UID: %w", errorsx.ErrInvalidArgument),
			"The namespace UID must be a valid UUID.",
		), nil)
		return
	}

	src, err := h.service.AddSource(r.Context(), kbUID, nsUID, source.Root{
		ItemID:  req.ItemID,
		DriveID: req.DriveID,
		Name:    req.Name,
		Kind:    req.Kind,
	})
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, source.Root{ItemID: src.ItemID, DriveID: src.DriveID, Name: src.Name, Kind: src.Kind})
}

// RemoveSource detaches a source and removes its files.
func (h *Handler) RemoveSource(w http.ResponseWriter, r *http.Request, params map[string]string) {
	kbUID, err := kbUIDFromPath(params)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	report, err := h.service.RemoveSource(r.Context(), kbUID, params["source_id"])
	if err != nil {
		var details any
		if report != nil {
			// Partial removals still report what was deleted.
			details = report
		}
		h.writeError(w, err, details)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type authorizeDriveRequest struct {
	SourceItemID string `json:"sourceItemId"`
	TenantID     string `json:"tenantId"`
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// AuthorizeDrive stores a refresh credential obtained by the consent flow.
func (h *Handler) AuthorizeDrive(w http.ResponseWriter, r *http.Request, params map[string]string) {
	kbUID, err := kbUIDFromPath(params)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	var req authorizeDriveRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, err, nil)
		return
	}
	err = h.service.AuthorizeDrive(r.Context(), kbUID, service.Credential{
		SourceItemID: req.SourceItemID,
		TenantID:     req.TenantID,
		RefreshToken: req.RefreshToken,
	})
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TokenStatus reports the state of the stored credentials.
func (h *Handler) TokenStatus(w http.ResponseWriter, r *http.Request, params map[string]string) {
	kbUID, err := kbUIDFromPath(params)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	status, err := h.service.TokenStatus(r.Context(), kbUID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListShares returns the groups the knowledge base is shared with.
func (h *Handler) ListShares(w http.ResponseWriter, r *http.Request, params map[string]string) {
	kbUID, err := kbUIDFromPath(params)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	shares, err := h.service.ListShares(r.Context(), kbUID)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shares": shares})
}

// ShareWithGroups shares the knowledge base with groups. Proposals with
// conflicts are rejected and the conflicts are returned as details.
func (h *Handler) ShareWithGroups(w http.ResponseWriter, r *http.Request, params map[string]string) {
	kbUID, err := kbUIDFromPath(params)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	var req acl.Proposal
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, err, nil)
		return
	}
	res, err := h.service.ShareWithGroups(r.Context(), kbUID, req)
	if err != nil {
		var details any
		if errors.Is(err, syncerrors.ErrPermissionConflict) && res != nil {
			details = res.Conflicts
		}
		h.writeError(w, err, details)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GroupMemberAdded validates again the knowledge bases shared with a group
// that gained a member.
func (h *Handler) GroupMemberAdded(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req acl.Member
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, err, nil)
		return
	}
	found, err := h.service.OnGroupMemberAdded(r.Context(), params["group_id"], req)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"knowledgeBases": found})
}
