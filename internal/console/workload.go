package console

import "context"

// Workload is a managed MCP server whose logs can be streamed.
type Workload struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	OwnerID        string `json:"ownerId"`
	OrganizationID string `json:"organizationId"`
	ContainerID    string `json:"containerId,omitempty"`
	LogPath        string `json:"logPath,omitempty"`
	Status         string `json:"status"`
}

// Directory is the authorization-aware workload lookup. FindByID scopes by
// the requesting user unless the workload-admin capability is set; a workload
// outside the caller's scope is indistinguishable from a missing one
// (ErrNotFound either way).
type Directory interface {
	FindByID(ctx context.Context, id, userID string, workloadAdmin bool) (*Workload, error)
	ListForIdentity(ctx context.Context, ident *Identity) ([]Workload, error)
	UpdateStatus(ctx context.Context, id, status string) (*Workload, error)
}
