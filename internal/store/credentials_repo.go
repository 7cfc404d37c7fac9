package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PutCredential stores an encrypted secret for a service, replacing any previous one.
func (s *Store) PutCredential(ctx context.Context, userID, service string, secret []byte) error {
	now := formatTime(s.now())
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO credentials (user_id, service, secret, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, service) DO UPDATE SET secret = excluded.secret, updated_at = excluded.updated_at
	`, userID, service, secret, now, now)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// Credential returns the encrypted secret for a service.
func (s *Store) Credential(ctx context.Context, userID, service string) ([]byte, error) {
	var secret []byte
	err := s.DB.QueryRowContext(ctx, `SELECT secret FROM credentials WHERE user_id = ? AND service = ?`, userID, service).Scan(&secret)
	if err != nil {
		return nil, notFound(err, "credential", service)
	}
	return secret, nil
}

func (s *Store) DeleteCredential(ctx context.Context, userID, service string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ? AND service = ?`, userID, service)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return checkAffected(res, "credential", service)
}

// ListCredentialServices names the services the user has connected.
func (s *Store) ListCredentialServices(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT service FROM credentials WHERE user_id = ? ORDER BY service`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()
	var services []string
	for rows.Next() {
		var service sql.NullString
		if err := rows.Scan(&service); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		services = append(services, service.String)
	}
	return services, rows.Err()
}
