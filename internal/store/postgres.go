package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/updown/round-engine/internal/fixedpoint"
	"github.com/updown/round-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Directions are stored as nullable booleans and reference prices as BIGINT
// fixed-point values, one column pair per tracked symbol.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// predictionColumns is the SELECT/INSERT column list, symbol columns in
// model.Symbols order.
var predictionColumns = func() string {
	cols := []string{"id", "user_id", "date"}
	for _, sym := range model.Symbols {
		col := strings.ToLower(string(sym))
		cols = append(cols, col, col+"_price")
	}
	cols = append(cols, "locked", "scored", "perfect", "points_delta", "created_at", "updated_at")
	return strings.Join(cols, ", ")
}()

// predictionArgs flattens p in predictionColumns order.
func predictionArgs(p *model.Prediction) []any {
	args := []any{p.ID, p.UserID, model.Day(p.Date)}
	for _, sym := range model.Symbols {
		pk := p.Pick(sym)
		var price *int64
		if pk.Reference != nil {
			v := int64(*pk.Reference)
			price = &v
		}
		args = append(args, pk.Direction.Bool(), price)
	}
	return append(args, p.Locked, p.Scored, p.Perfect, p.PointsDelta, p.CreatedAt, p.UpdatedAt)
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ph, ", ")
}

// --- Users ---

func (s *PostgresStore) UpsertUser(ctx context.Context, u *model.User) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, points, onboarded, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, onboarded = EXCLUDED.onboarded`,
		u.ID, u.Name, u.Points, u.Onboarded, createdAt)
	return mapError("upsert user", err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, points, onboarded, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Points, &u.Onboarded, &u.CreatedAt)
	if err != nil {
		return nil, mapError("get user "+id, err)
	}
	return &u, nil
}

func (s *PostgresStore) ListUserIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM users WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, mapError("list user ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) AddPoints(ctx context.Context, userID string, delta int64) error {
	return addPoints(ctx, s.pool, userID, delta)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func addPoints(ctx context.Context, db execer, userID string, delta int64) error {
	tag, err := db.Exec(ctx, `UPDATE users SET points = points + $2 WHERE id = $1`, userID, delta)
	if err != nil {
		return mapError("add points", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// --- Predictions ---

func (s *PostgresStore) InsertPrediction(ctx context.Context, p *model.Prediction) error {
	args := predictionArgs(p)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO predictions (`+predictionColumns+`) VALUES (`+placeholders(len(args))+`)`,
		args...)
	return mapError("insert prediction", err)
}

func (s *PostgresStore) UpdatePrediction(ctx context.Context, p *model.Prediction) error {
	args := []any{p.ID, p.UserID, model.Day(p.Date)}
	sets := []string{"date = $3"}
	for _, sym := range model.Symbols {
		col := strings.ToLower(string(sym))
		pk := p.Pick(sym)
		var price *int64
		if pk.Reference != nil {
			v := int64(*pk.Reference)
			price = &v
		}
		args = append(args, pk.Direction.Bool(), price)
		sets = append(sets,
			fmt.Sprintf("%s = $%d", col, len(args)-1),
			fmt.Sprintf("%s_price = $%d", col, len(args)))
	}
	args = append(args, p.Locked, p.CreatedAt, p.UpdatedAt)
	sets = append(sets,
		fmt.Sprintf("locked = $%d", len(args)-2),
		fmt.Sprintf("created_at = $%d", len(args)-1),
		fmt.Sprintf("updated_at = $%d", len(args)))

	tag, err := s.pool.Exec(ctx,
		`UPDATE predictions SET `+strings.Join(sets, ", ")+`
		 WHERE id = $1 AND user_id = $2 AND NOT locked`, args...)
	if err != nil {
		return mapError("update prediction", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPrediction(ctx, p.ID); err != nil {
			return err
		}
		return fmt.Errorf("prediction %s is locked: %w", p.ID, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) GetPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+predictionColumns+` FROM predictions WHERE id = $1`, id)
	p, err := scanPrediction(row)
	if err != nil {
		return nil, mapError("get prediction "+id, err)
	}
	return p, nil
}

func (s *PostgresStore) LatestPrediction(ctx context.Context, userID string) (*model.Prediction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+predictionColumns+` FROM predictions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, userID)
	p, err := scanPrediction(row)
	if err != nil {
		return nil, mapError("latest prediction for "+userID, err)
	}
	return p, nil
}

func (s *PostgresStore) HasPredictionOn(ctx context.Context, userID string, day time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM predictions WHERE user_id = $1 AND date = $2)`,
		userID, model.Day(day)).Scan(&exists)
	if err != nil {
		return false, mapError("has prediction", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListPredictions(ctx context.Context, f Filter) ([]model.Prediction, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if !f.From.IsZero() {
		add("date >= $%d", model.Day(f.From))
	}
	if !f.To.IsZero() {
		add("date <= $%d", model.Day(f.To))
	}
	if f.Locked != nil {
		add("locked = $%d", *f.Locked)
	}
	if f.Scored != nil {
		add("scored = $%d", *f.Scored)
	}
	if f.AfterID != "" {
		add("id > $%d", f.AfterID)
	}

	query := `SELECT ` + predictionColumns + ` FROM predictions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("list predictions", err)
	}
	defer rows.Close()

	var result []model.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) LockDue(ctx context.Context, through time.Time, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE predictions SET locked = TRUE, updated_at = $2
		 WHERE NOT locked AND date <= $1`, model.Day(through), now)
	if err != nil {
		return 0, mapError("lock due", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ApplyScore(ctx context.Context, o model.Outcome) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var userID string
	err = tx.QueryRow(ctx,
		`UPDATE predictions
		 SET scored = TRUE, perfect = $2, points_delta = $3, updated_at = $4
		 WHERE id = $1 AND locked AND NOT scored
		 RETURNING user_id`,
		o.PredictionID, o.Perfect, o.Delta, o.ScoredAt).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already scored, or not eligible. Tell the two apart.
		p, gerr := s.GetPrediction(ctx, o.PredictionID)
		if gerr != nil {
			return false, gerr
		}
		if !p.Locked {
			return false, fmt.Errorf("prediction %s is not locked: %w", p.ID, ErrConflict)
		}
		return false, nil
	}
	if err != nil {
		return false, mapError("mark scored", err)
	}

	if o.Delta != 0 {
		if err := addPoints(ctx, tx, userID, o.Delta); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, mapError("commit score", err)
	}
	return true, nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrediction(row rowScanner) (*model.Prediction, error) {
	var p model.Prediction
	dirs := make([]*bool, len(model.Symbols))
	prices := make([]*int64, len(model.Symbols))

	dest := []any{&p.ID, &p.UserID, &p.Date}
	for i := range model.Symbols {
		dest = append(dest, &dirs[i], &prices[i])
	}
	dest = append(dest, &p.Locked, &p.Scored, &p.Perfect, &p.PointsDelta, &p.CreatedAt, &p.UpdatedAt)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	p.Date = model.Day(p.Date)
	p.Picks = make(map[model.Symbol]model.Pick)
	for i, sym := range model.Symbols {
		dir := model.DirectionFromBool(dirs[i])
		if !dir.IsSet() {
			continue
		}
		pk := model.Pick{Direction: dir}
		if prices[i] != nil {
			ref := fixedpoint.Price(*prices[i])
			pk.Reference = &ref
		}
		p.Picks[sym] = pk
	}
	return &p, nil
}

// mapError converts driver errors into the store's sentinel errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, ErrConflict)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
