package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"queueless/api/internal/models"
	"queueless/api/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const serviceColumns = "service_id, name, description, avg_service_time_mins, active, created_at"

func scanService(row rowScanner) (models.Service, error) {
	var svc models.Service
	if err := row.Scan(&svc.ServiceID, &svc.Name, &svc.Description, &svc.AvgServiceTimeMins, &svc.Active, &svc.CreatedAt); err != nil {
		return models.Service{}, err
	}
	return svc, nil
}

func (s *Store) CreateService(ctx context.Context, input store.ServiceInput) (models.Service, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO services (service_id, name, description, avg_service_time_mins, active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		RETURNING `+serviceColumns+`
	`, uuid.NewString(), input.Name, input.Description, input.AvgServiceTimeMins, time.Now().UTC())
	return scanService(row)
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+serviceColumns+`
		FROM services
		WHERE service_id = $1
	`, serviceID)
	svc, err := scanService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return svc, nil
}

func (s *Store) UpdateService(ctx context.Context, serviceID string, input store.ServiceInput) (models.Service, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE services
		SET name = $2,
			description = $3,
			avg_service_time_mins = $4
		WHERE service_id = $1
		RETURNING `+serviceColumns+`
	`, serviceID, input.Name, input.Description, input.AvgServiceTimeMins)
	svc, err := scanService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return svc, nil
}

func (s *Store) DeactivateService(ctx context.Context, serviceID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE services
		SET active = FALSE
		WHERE service_id = $1
	`, serviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrServiceNotFound
	}
	return nil
}

func (s *Store) ListActiveServices(ctx context.Context) ([]store.ServiceWithQueue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.service_id, s.name, s.description, s.avg_service_time_mins, s.active, s.created_at,
			(SELECT t.token_number FROM tokens t WHERE t.service_id = s.service_id AND t.status = 'being_served'),
			(SELECT COUNT(*) FROM tokens t WHERE t.service_id = s.service_id AND t.status = 'waiting')
		FROM services s
		WHERE s.active = TRUE
		ORDER BY s.name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []store.ServiceWithQueue
	for rows.Next() {
		var svc store.ServiceWithQueue
		var currentNull sql.NullInt32
		if err := rows.Scan(&svc.ServiceID, &svc.Name, &svc.Description, &svc.AvgServiceTimeMins, &svc.Active, &svc.CreatedAt, &currentNull, &svc.WaitingCount); err != nil {
			return nil, err
		}
		if currentNull.Valid {
			number := int(currentNull.Int32)
			svc.CurrentNumber = &number
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}
