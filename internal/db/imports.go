package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ResolveLatestWorldDB returns the world database most recently imported for
// realm, read from public.latest_world_imports on the cluster's meta database.
func ResolveLatestWorldDB(ctx context.Context, meta *sql.DB, realm string) (string, error) {
	realm = strings.TrimSpace(realm)
	if realm == "" {
		return "", errors.New("realm is required")
	}
	q := `
SELECT db_name
FROM public.latest_world_imports
WHERE realm ILIKE $1 OR db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var dbName sql.NullString
	if err := meta.QueryRowContext(ctx, q, realm).Scan(&dbName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no world database imported for realm %q", realm)
		}
		return "", err
	}
	if !dbName.Valid || dbName.String == "" {
		return "", fmt.Errorf("empty db_name for realm %q", realm)
	}
	return dbName.String, nil
}
