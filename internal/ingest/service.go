// Package ingest accepts tracker batches, stores their events and the user's
// latest position, and answers with the server's view of the user.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"geotrack/internal/api"
	"geotrack/internal/db"
	"geotrack/internal/geofence"
	"geotrack/internal/location"
	"geotrack/internal/stream"
	"geotrack/internal/user"

	"cdr.dev/slog/v3"
	"github.com/jackc/pgx/v5"
	"golang.org/x/xerrors"
)

var (
	ErrInvalidRequest = xerrors.New("invalid track request")
	ErrUserNotFound   = xerrors.New("user not found")
)

// FenceSource lists a project's active geofences.
type FenceSource interface {
	Active(ctx context.Context, projectID string) ([]geofence.Geofence, error)
}

type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

type Service struct {
	db      db.Querier
	fences  FenceSource
	hub     Broadcaster
	logger  slog.Logger
	metrics *Metrics
}

func NewService(db db.Querier, fences FenceSource, hub Broadcaster, logger slog.Logger) *Service {
	return &Service{db: db, fences: fences, hub: hub, logger: logger.Named("ingest")}
}

// WithMetrics makes the service count batches and events on m.
func (s *Service) WithMetrics(m *Metrics) *Service {
	s.metrics = m
	return s
}

// Track stores a batch. Redelivering a batch is acknowledged again without
// storing or broadcasting its events twice.
func (s *Service) Track(ctx context.Context, projectID string, req api.TrackRequest) (api.TrackResponse, error) {
	if err := req.Validate(); err != nil {
		return api.TrackResponse{}, xerrors.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	fences, err := s.fences.Active(ctx, projectID)
	if err != nil {
		return api.TrackResponse{}, xerrors.Errorf("load geofences: %w", err)
	}
	inside, err := membership(fences, req.Location)
	if err != nil {
		return api.TrackResponse{}, err
	}

	now := time.Now().UTC()
	var fresh bool
	err = db.InTx(ctx, s.db, func(q db.Querier) error {
		var err error
		fresh, err = storeBatch(ctx, q, projectID, req)
		if err != nil {
			return err
		}
		return storeUser(ctx, q, projectID, req, inside, now)
	})
	if err != nil {
		return api.TrackResponse{}, err
	}

	fix := req.Location
	u := user.User{
		ID:          req.UserID,
		Description: req.Description,
		Location:    &fix,
		Geofences:   inside,
		UpdatedAt:   now,
	}

	s.count(fresh, req)
	if fresh {
		s.broadcast(ctx, projectID, req, u)
	} else {
		s.logger.Debug(ctx, "duplicate batch acknowledged", slog.F("batch_id", req.BatchID))
	}

	return api.TrackResponse{
		BatchID:          req.BatchID,
		Events:           req.Events,
		User:             &u,
		Geofences:        fences,
		GeofencesUpdated: true,
	}, nil
}

// User returns the last stored state of userID.
func (s *Service) User(ctx context.Context, projectID, userID string) (user.User, error) {
	var u user.User
	var fix location.Fix
	var description string
	row := s.db.QueryRow(ctx, `
		SELECT user_id, COALESCE(description, ''), latitude, longitude, accuracy, located_at, geofences, updated_at
		FROM track_users WHERE project_id=$1 AND user_id=$2
	`, projectID, userID)
	err := row.Scan(&u.ID, &description, &fix.Latitude, &fix.Longitude, &fix.Accuracy,
		&fix.Timestamp, &u.Geofences, &u.UpdatedAt)
	if xerrors.Is(err, pgx.ErrNoRows) {
		return user.User{}, ErrUserNotFound
	}
	if err != nil {
		return user.User{}, xerrors.Errorf("load user: %w", err)
	}
	u.Location = &fix
	if description != "" {
		u.Description = &description
	}
	return u, nil
}

func (s *Service) broadcast(ctx context.Context, projectID string, req api.TrackRequest, u user.User) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(Update{BatchID: req.BatchID, User: u, Events: req.Events})
	if err != nil {
		s.logger.Error(ctx, "encode stream update", slog.Error(err))
		return
	}
	s.hub.Broadcast(stream.Topic(projectID, req.UserID), payload)
}

// storeBatch records the batch marker and, the first time a batch is seen,
// its events. It reports whether the batch was new.
func storeBatch(ctx context.Context, q db.Querier, projectID string, req api.TrackRequest) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO track_batches (id, project_id, user_id)
		VALUES ($1,$2,$3)
		ON CONFLICT (id) DO NOTHING
	`, req.BatchID, projectID, req.UserID)
	if err != nil {
		return false, xerrors.Errorf("insert batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	for _, e := range req.Events {
		_, err := q.Exec(ctx, `
			INSERT INTO track_events (id, batch_id, project_id, user_id, type, geofence_id, latitude, longitude, accuracy, sequence, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, req.BatchID, projectID, req.UserID, string(e.Kind), e.GeofenceID,
			e.Fix.Latitude, e.Fix.Longitude, e.Fix.Accuracy, int64(e.Sequence), e.CreatedAt)
		if err != nil {
			return false, xerrors.Errorf("insert event %s: %w", e.ID, err)
		}
	}
	return true, nil
}

// storeUser keeps the newest known position of the user. An older fix
// arriving late leaves the row alone.
func storeUser(ctx context.Context, q db.Querier, projectID string, req api.TrackRequest, inside []string, now time.Time) error {
	_, err := q.Exec(ctx, `
		INSERT INTO track_users (project_id, user_id, description, latitude, longitude, accuracy, located_at, geofences, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (project_id, user_id) DO UPDATE
		SET description=EXCLUDED.description, latitude=EXCLUDED.latitude, longitude=EXCLUDED.longitude,
		    accuracy=EXCLUDED.accuracy, located_at=EXCLUDED.located_at, geofences=EXCLUDED.geofences,
		    updated_at=EXCLUDED.updated_at
		WHERE track_users.located_at <= EXCLUDED.located_at
	`, projectID, req.UserID, req.Description, req.Location.Latitude, req.Location.Longitude,
		req.Location.Accuracy, req.Location.Timestamp, inside, now)
	if err != nil {
		return xerrors.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *Service) count(fresh bool, req api.TrackRequest) {
	if s.metrics == nil {
		return
	}
	if !fresh {
		s.metrics.batches.WithLabelValues("duplicate").Inc()
		return
	}
	s.metrics.batches.WithLabelValues("accepted").Inc()
	for _, e := range req.Events {
		s.metrics.events.WithLabelValues(string(e.Kind)).Inc()
	}
}

// membership lists the geofences containing fix, ignoring its accuracy.
func membership(fences []geofence.Geofence, fix location.Fix) ([]string, error) {
	evaluator := geofence.NewEvaluator(0)
	if err := evaluator.Replace(fences); err != nil {
		return nil, xerrors.Errorf("evaluate geofences: %w", err)
	}
	ids := evaluator.Evaluate(fix, geofence.NewMembership()).Membership.IDs()
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
