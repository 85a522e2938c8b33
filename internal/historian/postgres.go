package historian

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS records (
	id BIGSERIAL PRIMARY KEY,
	datetime BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS records_datetime_idx ON records (datetime);
CREATE TABLE IF NOT EXISTS data (
	data_id BIGSERIAL PRIMARY KEY,
	channel_id INTEGER NOT NULL,
	device_id INTEGER NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	record_id BIGINT NOT NULL REFERENCES records (id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS data_record_id_idx ON data (record_id);
`

// PostgresStore is a Store on PostgreSQL through the pgx database/sql driver.
type PostgresStore struct {
	DB *sql.DB
}

func OpenPostgres(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &PostgresStore{DB: db}, nil
}

func (s *PostgresStore) SaveBatch(ctx context.Context, b Batch) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	if err := tx.QueryRowContext(ctx, `INSERT INTO records (datetime) VALUES ($1) RETURNING id`, b.Time.Unix()).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO data (channel_id, device_id, value, record_id) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return 0, fmt.Errorf("prepare data insert: %w", err)
	}
	defer stmt.Close()
	for _, v := range b.Values {
		if _, err := stmt.ExecContext(ctx, v.ChannelID, v.DeviceID, v.Value, id); err != nil {
			return 0, fmt.Errorf("insert data: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Query(ctx context.Context, q Query) ([]Batch, error) {
	var (
		where []string
		args  []any
	)
	if !q.From.IsZero() {
		args = append(args, q.From.Unix())
		where = append(where, fmt.Sprintf("datetime >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.Unix())
		where = append(where, fmt.Sprintf("datetime <= $%d", len(args)))
	}
	query := `SELECT id, datetime FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit(q.Limit))
	query += fmt.Sprintf(" ORDER BY datetime, id LIMIT $%d", len(args))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	var (
		out   []Batch
		ids   []int64
		index = map[int64]int{}
	)
	for rows.Next() {
		var id, ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			rows.Close()
			return nil, err
		}
		index[id] = len(out)
		ids = append(ids, id)
		out = append(out, Batch{RecordID: id, Time: time.Unix(ts, 0).UTC()})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	dataQuery := `SELECT record_id, device_id, channel_id, value FROM data WHERE record_id = ANY($1)`
	dataArgs := []any{ids}
	if q.DeviceID != nil {
		dataQuery += ` AND device_id = $2`
		dataArgs = append(dataArgs, *q.DeviceID)
	}
	dataQuery += ` ORDER BY data_id`
	drows, err := s.DB.QueryContext(ctx, dataQuery, dataArgs...)
	if err != nil {
		return nil, fmt.Errorf("query data: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var rid int64
		var v Value
		if err := drows.Scan(&rid, &v.DeviceID, &v.ChannelID, &v.Value); err != nil {
			return nil, err
		}
		i := index[rid]
		out[i].Values = append(out[i].Values, v)
	}
	return out, drows.Err()
}

func (s *PostgresStore) Close() error { return s.DB.Close() }
