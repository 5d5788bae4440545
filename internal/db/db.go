package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"transport-simulator/internal/path"
	"transport-simulator/internal/world"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Source serves regions, transport templates and taxi paths from the world
// database.
type Source struct {
	db *sql.DB
}

var _ path.Source = (*Source)(nil)

func NewSource(db *sql.DB) *Source { return &Source{db: db} }

func (s *Source) Regions(ctx context.Context) ([]world.RegionInfo, error) {
	return FetchRegions(ctx, s.db)
}

func (s *Source) Templates(ctx context.Context) ([]path.Template, error) {
	return FetchTemplates(ctx, s.db)
}

func (s *Source) LoadPath(ctx context.Context, pathID uint32) ([]path.Node, error) {
	return FetchPathNodes(ctx, s.db, pathID)
}

func FetchRegions(ctx context.Context, db *sql.DB) ([]world.RegionInfo, error) {
	q := `SELECT id, COALESCE(name, ''), COALESCE(instanceable, false) FROM regions ORDER BY id`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query regions: %w", err)
	}
	defer rows.Close()

	var out []world.RegionInfo
	for rows.Next() {
		var r world.RegionInfo
		if err := rows.Scan(&r.ID, &r.Name, &r.Instanceable); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FetchTemplates reads every transport template. Older schemas lack the
// model, cyclic and dynamic columns; their defaults are constant speed,
// cyclic and static.
func FetchTemplates(ctx context.Context, db *sql.DB) ([]path.Template, error) {
	cols, err := hasColumns(ctx, db, "public", "transport_templates", "model", "cyclic", "dynamic")
	if err != nil {
		return nil, fmt.Errorf("introspect transport_templates columns: %w", err)
	}
	rows, err := db.QueryContext(ctx, templatesQuery(cols))
	if err != nil {
		return nil, fmt.Errorf("query transport_templates: %w", err)
	}
	defer rows.Close()

	var out []path.Template
	for rows.Next() {
		var (
			t     path.Template
			model string
		)
		if err := rows.Scan(&t.Entry, &t.Name, &t.PathID, &t.CruiseSpeed, &t.AccelRate, &model, &t.Cyclic, &t.Dynamic); err != nil {
			return nil, err
		}
		if t.Model, err = path.ParseMotion(model); err != nil {
			return nil, fmt.Errorf("transport %d: %w", t.Entry, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func templatesQuery(cols map[string]bool) string {
	model, cyclic, dynamic := `''`, `true`, `false`
	if cols["model"] {
		model = `COALESCE(model, '')`
	}
	if cols["cyclic"] {
		cyclic = `COALESCE(cyclic, true)`
	}
	if cols["dynamic"] {
		dynamic = `COALESCE(dynamic, false)`
	}
	return `SELECT entry, COALESCE(name, ''), path_id,
       COALESCE(cruise_speed, 0), COALESCE(acceleration_rate, 0),
       ` + model + `, ` + cyclic + `, ` + dynamic + `
FROM transport_templates ORDER BY entry`
}

// FetchPathNodes returns the ordered nodes of a taxi path. A path id with no
// nodes is reported as path.ErrUnknownPath.
func FetchPathNodes(ctx context.Context, db *sql.DB, pathID uint32) ([]path.Node, error) {
	q := `
SELECT map_id, x, y, z,
       COALESCE(action_flag, 0),
       COALESCE(delay, 0),
       COALESCE(arrival_event_id, 0),
       COALESCE(departure_event_id, 0)
FROM taxi_path_nodes
WHERE path_id = $1
ORDER BY node_index`
	rows, err := db.QueryContext(ctx, q, pathID)
	if err != nil {
		return nil, fmt.Errorf("query taxi_path_nodes: %w", err)
	}
	defer rows.Close()

	var nodes []path.Node
	for rows.Next() {
		var (
			n           path.Node
			flag, delay int
		)
		if err := rows.Scan(&n.RegionID, &n.X, &n.Y, &n.Z, &flag, &delay, &n.ArrivalEventID, &n.DepartureEventID); err != nil {
			return nil, err
		}
		if n.Action, err = actionFromFlag(flag); err != nil {
			return nil, fmt.Errorf("path %d node %d: %w", pathID, len(nodes), err)
		}
		n.Delay = delaySeconds(delay)
		n.Index = len(nodes)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("path %d: %w", pathID, path.ErrUnknownPath)
	}
	return nodes, nil
}

// actionFromFlag maps the action_flag column: 0 none, 1 teleport, 2 stop.
func actionFromFlag(flag int) (path.Action, error) {
	switch flag {
	case 0:
		return path.ActionNone, nil
	case 1:
		return path.ActionTeleport, nil
	case 2:
		return path.ActionStop, nil
	}
	return path.ActionNone, fmt.Errorf("unknown action flag %d", flag)
}

// delaySeconds converts the delay column (whole seconds) to a duration.
func delaySeconds(s int) time.Duration {
	if s < 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	// Initialize to false
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[strings.ToLower(name)] = true
	}
	return res, rows.Err()
}
