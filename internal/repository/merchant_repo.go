package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/payloops/backend/internal/domain"
)

func (s *Store) UpsertMerchant(ctx context.Context, m *domain.Merchant) error {
	q := `
		INSERT INTO merchants(id, name, webhook_url, webhook_secret, created_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			webhook_url = excluded.webhook_url,
			webhook_secret = excluded.webhook_secret;
	`
	_, err := s.db.ExecContext(ctx, q, m.ID, m.Name, m.WebhookURL, m.WebhookSecret, fmtTime(time.Now()))
	return err
}

func (s *Store) GetMerchant(ctx context.Context, id string) (*domain.Merchant, error) {
	q := `SELECT id, name, webhook_url, webhook_secret, created_at FROM merchants WHERE id = ?`

	var m domain.Merchant
	var createdStr string
	err := s.db.QueryRowContext(ctx, q, id).Scan(&m.ID, &m.Name, &m.WebhookURL, &m.WebhookSecret, &createdStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if m.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, err
	}

	return &m, nil
}
