package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfleet/mcpfleet/internal/console"
)

const workloadColumns = `id, name, owner_id, organization_id,
	COALESCE(container_id, ''), COALESCE(log_path, ''), status`

// CreateServer registers a workload. A missing id is generated.
func (s *Store) CreateServer(ctx context.Context, w console.Workload) (string, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Status == "" {
		w.Status = "stopped"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (id, name, owner_id, organization_id, container_id, log_path, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Name, w.OwnerID, w.OrganizationID, w.ContainerID, w.LogPath, w.Status)
	if err != nil {
		return "", fmt.Errorf("insert server: %w", err)
	}
	return w.ID, nil
}

// FindByID implements console.Directory. Non-admin callers only see their own
// workloads; out-of-scope ids look exactly like missing ones.
func (s *Store) FindByID(ctx context.Context, id, userID string, workloadAdmin bool) (*console.Workload, error) {
	query := `SELECT ` + workloadColumns + ` FROM mcp_servers WHERE id = ?`
	args := []any{id}
	if !workloadAdmin {
		query += ` AND owner_id = ?`
		args = append(args, userID)
	}

	w, err := scanWorkload(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, console.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query server: %w", err)
	}
	return w, nil
}

// ListForIdentity implements console.Directory.
func (s *Store) ListForIdentity(ctx context.Context, ident *console.Identity) ([]console.Workload, error) {
	query := `SELECT ` + workloadColumns + ` FROM mcp_servers ORDER BY name`
	args := []any{}
	if !ident.WorkloadAdmin {
		query = `SELECT ` + workloadColumns + ` FROM mcp_servers WHERE owner_id = ? ORDER BY name`
		args = append(args, ident.UserID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var servers []console.Workload
	for rows.Next() {
		w, err := scanWorkload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		servers = append(servers, *w)
	}
	return servers, rows.Err()
}

// UpdateStatus implements console.Directory, returning the updated workload.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) (*console.Workload, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mcp_servers SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, console.ErrNotFound
	}

	w, err := scanWorkload(s.db.QueryRowContext(ctx,
		`SELECT `+workloadColumns+` FROM mcp_servers WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reload server: %w", err)
	}
	return w, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkload(row rowScanner) (*console.Workload, error) {
	var w console.Workload
	err := row.Scan(&w.ID, &w.Name, &w.OwnerID, &w.OrganizationID, &w.ContainerID, &w.LogPath, &w.Status)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
