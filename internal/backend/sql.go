package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"hybrid-sync-service/internal/logger"
)

// SQLConfig holds the fallback tier's MySQL connection settings.
type SQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// SQLAdapter is the fallback tier: a managed MySQL backend reached directly
// over database/sql. Entities live in one document table keyed by
// (entity_type, id) with the domain fields as a JSON column.
type SQLAdapter struct {
	db *sql.DB
}

const entitiesSchema = `CREATE TABLE IF NOT EXISTS entities (
	entity_type VARCHAR(64)  NOT NULL,
	id          VARCHAR(128) NOT NULL,
	data        JSON         NOT NULL,
	updated_at  DATETIME(6)  NOT NULL,
	PRIMARY KEY (entity_type, id)
)`

func NewSQLAdapter(cfg SQLConfig) (*SQLAdapter, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback connection: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(entitiesSchema); err != nil {
		logger.Log.Warn("Could not ensure fallback schema", zap.Error(err))
	}

	logger.Log.Info("Connected to fallback backend",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &SQLAdapter{db: db}, nil
}

func (a *SQLAdapter) Name() string { return "fallback" }

func (a *SQLAdapter) Close() error { return a.db.Close() }

func (a *SQLAdapter) HealthCheck(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return &NetworkError{Op: "healthcheck", Message: "ping failed", Err: err}
	}
	return nil
}

func (a *SQLAdapter) Get(ctx context.Context, entityType, id string) (*Entity, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM entities WHERE entity_type = ? AND id = ?`,
		entityType, id)

	var raw []byte
	var updatedAt time.Time
	err := row.Scan(&raw, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{EntityType: entityType, ID: id}
	}
	if err != nil {
		return nil, &NetworkError{Op: "get", Message: "query failed", Err: err}
	}

	return a.scanEntity(entityType, id, raw, updatedAt)
}

func (a *SQLAdapter) Query(ctx context.Context, entityType string, filter Filter) ([]*Entity, error) {
	query := `SELECT id, data, updated_at FROM entities WHERE entity_type = ?`
	args := []any{entityType}
	if !filter.UpdatedAfter.IsZero() {
		query += ` AND updated_at > ?`
		args = append(args, filter.UpdatedAfter.UTC())
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &NetworkError{Op: "query", Message: "query failed", Err: err}
	}
	defer rows.Close()

	// Equality filters target JSON fields, so they are applied after the
	// scan rather than pushed into SQL.
	var out []*Entity
	for rows.Next() {
		var id string
		var raw []byte
		var updatedAt time.Time
		if err := rows.Scan(&id, &raw, &updatedAt); err != nil {
			return nil, &NetworkError{Op: "query", Message: "scan failed", Err: err}
		}
		e, err := a.scanEntity(entityType, id, raw, updatedAt)
		if err != nil {
			return nil, err
		}
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &NetworkError{Op: "query", Message: "iteration failed", Err: err}
	}

	if filter.SortBy != "" {
		sortBy := filter.SortBy
		desc := filter.SortDesc
		sort.SliceStable(out, func(i, j int) bool {
			less := fmt.Sprintf("%v", out[i].Data[sortBy]) < fmt.Sprintf("%v", out[j].Data[sortBy])
			if desc {
				return !less
			}
			return less
		})
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			out = nil
		} else {
			out = out[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (a *SQLAdapter) Create(ctx context.Context, entityType string, data map[string]any) (*Entity, error) {
	if entityType == "" {
		return nil, &ValidationError{Message: "entity type is required"}
	}
	id, _ := data["id"].(string)
	if id == "" {
		id = newServerID()
	}

	payload := make(map[string]any, len(data))
	for k, v := range data {
		if k != "id" {
			payload[k] = v
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("unencodable payload: %v", err)}
	}

	now := time.Now().UTC()
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO entities (entity_type, id, data, updated_at) VALUES (?, ?, ?, ?)`,
		entityType, id, raw, now)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, &ConflictError{EntityType: entityType, ID: id, Message: "entity already exists"}
		}
		return nil, &NetworkError{Op: "create", Message: "insert failed", Err: err}
	}

	return &Entity{ID: id, Type: entityType, Data: payload, UpdatedAt: now}, nil
}

func (a *SQLAdapter) Update(ctx context.Context, entityType, id string, patch map[string]any) (*Entity, error) {
	current, err := a.Get(ctx, entityType, id)
	if err != nil {
		return nil, err
	}

	for k, v := range patch {
		if k == "id" {
			continue
		}
		current.Data[k] = v
	}
	raw, err := json.Marshal(current.Data)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("unencodable patch: %v", err)}
	}

	now := time.Now().UTC()
	_, err = a.db.ExecContext(ctx,
		`UPDATE entities SET data = ?, updated_at = ? WHERE entity_type = ? AND id = ?`,
		raw, now, entityType, id)
	if err != nil {
		return nil, &NetworkError{Op: "update", Message: "update failed", Err: err}
	}

	current.UpdatedAt = now
	return current, nil
}

func (a *SQLAdapter) Delete(ctx context.Context, entityType, id string) error {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM entities WHERE entity_type = ? AND id = ?`,
		entityType, id)
	if err != nil {
		return &NetworkError{Op: "delete", Message: "delete failed", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &NotFoundError{EntityType: entityType, ID: id}
	}
	return nil
}

func newServerID() string {
	return uuid.New().String()
}

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func (a *SQLAdapter) scanEntity(entityType, id string, raw []byte, updatedAt time.Time) (*Entity, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &NetworkError{Op: "get", Message: "corrupt entity payload", Err: err}
	}
	return &Entity{ID: id, Type: entityType, Data: data, UpdatedAt: updatedAt}, nil
}
