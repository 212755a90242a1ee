// Package geofences stores each project's geofences in Postgres and serves
// them to trackers.
package geofences

import (
	"context"
	"encoding/json"

	"geotrack/internal/db"
	"geotrack/internal/geofence"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/xerrors"
)

var ErrNotFound = xerrors.New("geofence not found")

type Service struct {
	db db.Querier
}

func NewService(db db.Querier) *Service {
	return &Service{db: db}
}

func (s *Service) Create(ctx context.Context, projectID string, input geofence.Geofence) (Record, error) {
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	if err := input.Validate(); err != nil {
		return Record{}, err
	}
	geometry, err := json.Marshal(input.Geometry)
	if err != nil {
		return Record{}, xerrors.Errorf("encode geometry: %w", err)
	}

	rec := Record{Geofence: input, ProjectID: projectID}
	row := s.db.QueryRow(ctx, `
		INSERT INTO geofences (id, project_id, description, tag, external_id, geometry, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at
	`, rec.ID, projectID, rec.Description, rec.Tag, rec.ExternalID, geometry, rec.Active)
	if err := row.Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, xerrors.Errorf("insert geofence: %w", err)
	}
	return rec, nil
}

func (s *Service) Get(ctx context.Context, projectID, id string) (Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, project_id, description, tag, external_id, geometry, active, created_at, updated_at
		FROM geofences WHERE project_id=$1 AND id=$2
	`, projectID, id)
	rec, err := scanRecord(row)
	if xerrors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *Service) Update(ctx context.Context, projectID, id string, patch Patch) (Record, error) {
	rec, err := s.Get(ctx, projectID, id)
	if err != nil {
		return Record{}, err
	}
	if patch.Description != nil {
		rec.Description = *patch.Description
	}
	if patch.Tag != nil {
		rec.Tag = *patch.Tag
	}
	if patch.ExternalID != nil {
		rec.ExternalID = *patch.ExternalID
	}
	if patch.Geometry != nil {
		rec.Geometry = *patch.Geometry
	}
	if patch.Active != nil {
		rec.Active = *patch.Active
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	geometry, err := json.Marshal(rec.Geometry)
	if err != nil {
		return Record{}, xerrors.Errorf("encode geometry: %w", err)
	}

	row := s.db.QueryRow(ctx, `
		UPDATE geofences
		SET description=$3, tag=$4, external_id=$5, geometry=$6, active=$7, updated_at=now()
		WHERE project_id=$1 AND id=$2
		RETURNING updated_at
	`, projectID, id, rec.Description, rec.Tag, rec.ExternalID, geometry, rec.Active)
	if err := row.Scan(&rec.UpdatedAt); err != nil {
		return Record{}, xerrors.Errorf("update geofence: %w", err)
	}
	return rec, nil
}

func (s *Service) Delete(ctx context.Context, projectID, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM geofences WHERE project_id=$1 AND id=$2`, projectID, id)
	if err != nil {
		return xerrors.Errorf("delete geofence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the project's geofences ordered by id, optionally only the
// active ones.
func (s *Service) List(ctx context.Context, projectID string, activeOnly bool) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, project_id, description, tag, external_id, geometry, active, created_at, updated_at
		FROM geofences
		WHERE project_id=$1 AND (active OR NOT $2)
		ORDER BY id
	`, projectID, activeOnly)
	if err != nil {
		return nil, xerrors.Errorf("list geofences: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Active returns the project's active geofences as the tracker models them.
func (s *Service) Active(ctx context.Context, projectID string) ([]geofence.Geofence, error) {
	records, err := s.List(ctx, projectID, true)
	if err != nil {
		return nil, err
	}
	fences := make([]geofence.Geofence, 0, len(records))
	for _, rec := range records {
		fences = append(fences, rec.Geofence)
	}
	return fences, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var geometry []byte
	err := row.Scan(&rec.ID, &rec.ProjectID, &rec.Description, &rec.Tag, &rec.ExternalID,
		&geometry, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, xerrors.Errorf("scan geofence: %w", err)
	}
	if err := json.Unmarshal(geometry, &rec.Geometry); err != nil {
		return Record{}, xerrors.Errorf("decode geometry of %s: %w", rec.ID, err)
	}
	return rec, nil
}
