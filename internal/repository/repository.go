package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	"github.com/taskmesh-io/taskmesh/pkg/json"
)

// base carries the handle and logger shared by the concrete repositories.
type base struct {
	db  *sql.DB
	log *zap.Logger
}

// DB returns the underlying database connection.
func (b *base) DB() *sql.DB {
	return b.db
}

// Ping verifies the database connection is alive.
func (b *base) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return apperr.Wrap(apperr.KindTransient, "database unavailable", err)
	}
	return nil
}

// wrapDBError converts driver-level failures into the shared error taxonomy.
// Callers handle sql.ErrNoRows themselves so they can name the missing entity.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity_constraint_violation
			return apperr.Wrap(apperr.KindIntegrity, op+": constraint violated", err).
				WithDetails(map[string]any{"constraint": pqErr.Constraint, "code": string(pqErr.Code)})
		case "08", "53", "57": // connection, resources, operator intervention
			return apperr.Wrap(apperr.KindTransient, op+": database unavailable", err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTransient, op+": database unavailable", err)
	}
	return apperr.Wrap(apperr.KindInternal, op+" failed", err)
}

// ToJSONB marshals a map to JSONB ([]byte) for Postgres.
func ToJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// FromJSONB unmarshals JSONB ([]byte) from Postgres to a map.
func FromJSONB(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	err := json.Unmarshal(b, &m)
	return m, err
}
