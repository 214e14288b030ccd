package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ollyhq/backend/internal/database"
	"github.com/ollyhq/backend/internal/models"
)

// TokenStore keeps temporary tokens by hash. Consume removes and returns the
// token in one step, so a token can be consumed at most once; it returns
// nil, nil when nothing is stored under hash.
type TokenStore interface {
	Save(ctx context.Context, t *models.TemporaryToken) error
	Consume(ctx context.Context, hash string) (*models.TemporaryToken, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// PostgresStore is the default token store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ TokenStore = (*PostgresStore)(nil)

func (s *PostgresStore) Save(ctx context.Context, t *models.TemporaryToken) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO temporary_tokens (token_hash, expires_at, license_key_id, sub_license_id, api_key_id, user_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, t.TokenHash, t.ExpiresAt, t.LicenseKeyID, t.SubLicenseID, t.APIKeyID, t.UserID).Scan(&t.CreatedAt)
}

func (s *PostgresStore) Consume(ctx context.Context, hash string) (*models.TemporaryToken, error) {
	var t models.TemporaryToken
	err := s.pool.QueryRow(ctx, `
		DELETE FROM temporary_tokens WHERE token_hash = $1
		RETURNING token_hash, expires_at, license_key_id, sub_license_id, api_key_id, user_id, created_at
	`, hash).Scan(&t.TokenHash, &t.ExpiresAt, &t.LicenseKeyID, &t.SubLicenseID, &t.APIKeyID, &t.UserID, &t.CreatedAt)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM temporary_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const redisKeyPrefix = "olly:exchange:token:"

// RedisStore keeps tokens as JSON with a TTL matching their expiry window.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

var _ TokenStore = (*RedisStore)(nil)

func (s *RedisStore) Save(ctx context.Context, t *models.TemporaryToken) error {
	now := s.now()
	ttl := t.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("token already expired at %s", t.ExpiresAt)
	}
	t.CreatedAt = now
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+t.TokenHash, raw, ttl).Err()
}

// Consume uses GETDEL so two concurrent redemptions cannot both read the token.
func (s *RedisStore) Consume(ctx context.Context, hash string) (*models.TemporaryToken, error) {
	raw, err := s.client.GetDel(ctx, redisKeyPrefix+hash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var t models.TemporaryToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PurgeExpired is a no-op; Redis drops keys when their TTL runs out.
func (s *RedisStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
