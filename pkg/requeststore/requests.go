package requeststore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fleetworks/helmsman/pkg/deploy"
)

// ErrNotFound reports a lookup for a request id that does not exist.
var ErrNotFound = errors.New("requeststore: request not found")

// ErrStale reports an update whose expected step number no longer
// matches the stored row: a concurrent call already advanced it, or the
// request left PENDING. The caller must re-read and reconcile, never
// re-apply side effects.
var ErrStale = errors.New("requeststore: stale update")

const timeLayout = time.RFC3339Nano

// CreateCluster inserts the cluster model row and returns its id.
func (s *Store) CreateCluster(ctx context.Context, name string) (*deploy.Cluster, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO clusters (name, created_at) VALUES (?, ?)`,
		name, now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("create cluster: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("cluster id: %w", err)
	}
	return &deploy.Cluster{ClusterID: id, Name: name, CreatedAt: now}, nil
}

// GetCluster loads one cluster row.
func (s *Store) GetCluster(ctx context.Context, clusterID int64) (*deploy.Cluster, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cluster_id, name, created_at FROM clusters WHERE cluster_id = ?`, clusterID)

	var c deploy.Cluster
	var createdAt string
	if err := row.Scan(&c.ClusterID, &c.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// Create inserts a fresh PENDING request at step 1 and returns it.
func (s *Store) Create(ctx context.Context, level string, clusterID int64, requestType string) (*deploy.ClusterRequest, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cluster_requests
			(cluster_id, level, request_type, current_event_type, status, payload, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, NULL, ?, ?)`,
		clusterID, level, requestType, deploy.StatusPending,
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("request id: %w", err)
	}

	return &deploy.ClusterRequest{
		RequestID:        id,
		ClusterID:        clusterID,
		Level:            level,
		RequestType:      requestType,
		CurrentEventType: 1,
		Status:           deploy.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Get loads one request by id.
func (s *Store) Get(ctx context.Context, requestID int64) (*deploy.ClusterRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, cluster_id, level, request_type, current_event_type, status, payload, created_at, updated_at
		 FROM cluster_requests WHERE request_id = ?`, requestID)
	return scanRequest(row)
}

// List returns requests newest-first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status deploy.RequestStatus) ([]deploy.ClusterRequest, error) {
	query := `SELECT request_id, cluster_id, level, request_type, current_event_type, status, payload, created_at, updated_at
		 FROM cluster_requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY request_id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []deploy.ClusterRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// BindCluster attaches a cluster id to a request that was created
// before its cluster model existed. Only an unbound PENDING request can
// be bound.
func (s *Store) BindCluster(ctx context.Context, requestID, clusterID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cluster_requests SET cluster_id = ?, updated_at = ?
		 WHERE request_id = ? AND cluster_id = 0 AND status = ?`,
		clusterID, time.Now().UTC().Format(timeLayout), requestID, deploy.StatusPending)
	if err != nil {
		return fmt.Errorf("bind cluster: %w", err)
	}
	return requireOneRow(res, requestID)
}

// Update advances a request from fromEventType to newEventType with a
// fresh payload snapshot. The CAS on current_event_type guarantees that
// of two overlapping calls for the same request, exactly one wins; the
// loser gets ErrStale and must re-read. current_event_type can only
// grow through this method.
func (s *Store) Update(ctx context.Context, requestID int64, fromEventType, newEventType int, payload []byte) error {
	if newEventType < fromEventType {
		return fmt.Errorf("requeststore: event type cannot decrease (%d -> %d)", fromEventType, newEventType)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE cluster_requests SET current_event_type = ?, payload = ?, updated_at = ?
		 WHERE request_id = ? AND current_event_type = ? AND status = ?`,
		newEventType, payload, time.Now().UTC().Format(timeLayout),
		requestID, fromEventType, deploy.StatusPending)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a missing row from a lost race.
	if _, err := s.Get(ctx, requestID); err != nil {
		return err
	}
	return ErrStale
}

// MarkStatus moves a PENDING request to SUCCESS or FAILED. Terminal
// states never revert.
func (s *Store) MarkStatus(ctx context.Context, requestID int64, status deploy.RequestStatus) error {
	if status != deploy.StatusSuccess && status != deploy.StatusFailed {
		return fmt.Errorf("requeststore: invalid terminal status %q", status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE cluster_requests SET status = ?, updated_at = ?
		 WHERE request_id = ? AND status = ?`,
		status, time.Now().UTC().Format(timeLayout), requestID, deploy.StatusPending)
	if err != nil {
		return fmt.Errorf("mark request status: %w", err)
	}
	return requireOneRow(res, requestID)
}

func requireOneRow(res sql.Result, requestID int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("request %d: %w", requestID, ErrStale)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*deploy.ClusterRequest, error) {
	var req deploy.ClusterRequest
	var payload sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&req.RequestID, &req.ClusterID, &req.Level, &req.RequestType,
		&req.CurrentEventType, &req.Status, &payload, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan request: %w", err)
	}

	if payload.Valid {
		req.Payload = []byte(payload.String)
	}
	req.CreatedAt = parseTime(createdAt)
	req.UpdatedAt = parseTime(updatedAt)
	return &req, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
