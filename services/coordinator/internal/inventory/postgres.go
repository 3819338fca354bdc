package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"logarchive/pkg/db"
	"logarchive/pkg/logset"
	"logarchive/services/coordinator/internal/urconn"
)

const (
	selectNodes = `SELECT uuid::text AS uuid, hostname, datacenter, setup,
	sysinfo IS NOT NULL AS has_sysinfo, platform_version, retire_at
FROM compute_nodes ORDER BY uuid`

	selectZones = `SELECT uuid::text AS uuid, role FROM zones
WHERE server_uuid = $1::uuid ORDER BY uuid`

	upsertSysinfo = `INSERT INTO compute_nodes (uuid, hostname, datacenter, setup, sysinfo, platform_version)
VALUES ($1::uuid, $2, $3, $4, $5::jsonb, $6)
ON CONFLICT (uuid) DO UPDATE SET
	hostname = COALESCE(NULLIF(EXCLUDED.hostname, ''), compute_nodes.hostname),
	datacenter = EXCLUDED.datacenter,
	setup = EXCLUDED.setup,
	sysinfo = EXCLUDED.sysinfo,
	platform_version = EXCLUDED.platform_version,
	updated_at = now()`
)

// Postgres reads the inventory mirror maintained in the coordinator's
// database.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Postgres{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error { return db.Ping(ctx, p.pool) }

func (p *Postgres) Nodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := db.Select(ctx, p.pool, &nodes, selectNodes); err != nil {
		return nil, fmt.Errorf("list compute nodes: %w", err)
	}
	return nodes, nil
}

type zoneRow struct {
	UUID string `db:"uuid"`
	Role string `db:"role"`
}

func (p *Postgres) Zones(ctx context.Context, server string) ([]logset.Zone, error) {
	var rows []zoneRow
	if err := db.Select(ctx, p.pool, &rows, selectZones, server); err != nil {
		return nil, fmt.Errorf("list zones on %s: %w", server, err)
	}
	zones := make([]logset.Zone, len(rows))
	for i, r := range rows {
		zones[i] = logset.Zone{UUID: r.UUID, Role: r.Role}
	}
	return zones, nil
}

func (p *Postgres) RecordSysinfo(ctx context.Context, info urconn.ServerInfo) error {
	sysinfo, err := json.Marshal(map[string]any{
		"UUID":            info.Server,
		"Hostname":        info.Hostname,
		"Datacenter Name": info.Datacenter,
		"SDC Version":     info.Version,
		"Setup":           info.Setup,
	})
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, p.pool, upsertSysinfo, info.Server, info.Hostname, info.Datacenter, info.Setup, string(sysinfo), info.Version); err != nil {
		return fmt.Errorf("record sysinfo for %s: %w", info.Server, err)
	}
	return nil
}
