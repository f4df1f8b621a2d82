package api

import (
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

// Directory is the registration view of one gateway instance.
type Directory interface {
	Registrations(user xmpp.JID) []registry.Registration
	// Unregister removes the user's nodes and returns those actually removed.
	Unregister(user xmpp.JID, nodes ...string) []string
}

// RegistrationAPI lets an authenticated user inspect and revoke their push
// registrations. The user handle from the token is the bare JID.
type RegistrationAPI struct {
	Directories map[string]Directory
	Logger      *slog.Logger
}

func NewRegistrationAPI(directories map[string]Directory, logger *slog.Logger) *RegistrationAPI {
	return &RegistrationAPI{
		Directories: directories,
		Logger:      logger,
	}
}

type RegistrationView struct {
	Node       string    `json:"node"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name,omitempty"`
	Backend    string    `json:"backend"`
	AppID      string    `json:"app_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListRegistrations handles GET /api/v1/components/{component}/registrations.
func (api *RegistrationAPI) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	user, dir, ok := api.resolve(w, r)
	if !ok {
		return
	}

	regs := dir.Registrations(user)
	views := make([]RegistrationView, 0, len(regs))
	for _, reg := range regs {
		views = append(views, RegistrationView{
			Node:       reg.Node,
			DeviceID:   reg.DeviceID,
			DeviceName: reg.DeviceName,
			Backend:    string(reg.Backend),
			AppID:      reg.AppID,
			CreatedAt:  reg.Timestamp,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		api.Logger.Error("ListRegistrations: encode failed", "err", err)
	}
}

// DeleteRegistration handles DELETE /api/v1/components/{component}/registrations/{node}.
func (api *RegistrationAPI) DeleteRegistration(w http.ResponseWriter, r *http.Request) {
	user, dir, ok := api.resolve(w, r)
	if !ok {
		return
	}
	node := r.PathValue("node")
	if node == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing node")
		return
	}

	// Only the owner's nodes are ever removed, so a foreign node looks the
	// same as a missing one.
	if removed := dir.Unregister(user, node); len(removed) == 0 {
		response.WriteJSONError(w, http.StatusNotFound, "registration not found")
		return
	}
	api.Logger.Info("DeleteRegistration: registration removed", "user", user.String(), "node", node)

	w.WriteHeader(http.StatusNoContent)
}

func (api *RegistrationAPI) resolve(w http.ResponseWriter, r *http.Request) (xmpp.JID, Directory, bool) {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return xmpp.JID{}, nil, false
	}
	user, err := xmpp.ParseJID(userID)
	if err != nil {
		api.Logger.Warn("Caller handle is not a JID", "handle", userID, "err", err)
		response.WriteJSONError(w, http.StatusForbidden, "user handle is not a jid")
		return xmpp.JID{}, nil, false
	}

	dir, ok := api.Directories[r.PathValue("component")]
	if !ok {
		response.WriteJSONError(w, http.StatusNotFound, "unknown component")
		return xmpp.JID{}, nil, false
	}
	return user.Bare(), dir, true
}
