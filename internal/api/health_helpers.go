package api

import (
	"context"
	"net/http"
)

// HealthCheck probes one dependency for /healthz.
type HealthCheck struct {
	Name  string
	Check func(context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		if err == nil {
			return componentStatus{Component: component, Status: "ok"}
		}
		overallStatus = "degraded"
		statusCode = http.StatusServiceUnavailable
		return componentStatus{Component: component, Status: "degraded", Error: err.Error()}
	}

	components := make([]componentStatus, 0, 2+len(h.HealthChecks))
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	components = append(components, recordComponent("sessions", h.sessionManager().Ping(ctx)))
	for _, check := range h.HealthChecks {
		if check.Check == nil {
			continue
		}
		components = append(components, recordComponent(check.Name, check.Check(ctx)))
	}
	return components, overallStatus, statusCode
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]any{"status": status, "services": components})
}
