// Package database persists validated endpoints and probe history for
// the reporting side of the pipeline.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"endpoint-balancer/pkg/models"
)

type DB struct {
	*bun.DB
}

func NewDB() (*DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		viper.GetString("database.user"),
		viper.GetString("database.password"),
		viper.GetString("database.host"),
		viper.GetInt("database.port"),
		viper.GetString("database.dbname"),
		viper.GetString("database.sslmode"),
	)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{db}, nil
}

// InitSchema creates the endpoint and probe-history tables if needed.
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.NewCreateTable().
		Model((*models.ValidatedEndpoint)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create endpoints table: %w", err)
	}

	if _, err := db.NewCreateTable().
		Model((*models.ProbeRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create probe_results table: %w", err)
	}
	return nil
}

// UpsertEndpoints writes validated endpoints, refreshing measurement
// fields on signature conflict.
func (db *DB) UpsertEndpoints(ctx context.Context, endpoints []models.ValidatedEndpoint) error {
	if len(endpoints) == 0 {
		return nil
	}

	_, err := db.NewInsert().
		Model(&endpoints).
		On("CONFLICT (signature) DO UPDATE").
		Set("latency_ms = EXCLUDED.latency_ms").
		Set("tier = EXCLUDED.tier").
		Set("resolved_ip = EXCLUDED.resolved_ip").
		Set("region = EXCLUDED.region").
		Set("display_name = EXCLUDED.display_name").
		Set("last_tested = EXCLUDED.last_tested").
		Set("updated_at = CURRENT_TIMESTAMP").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error upserting endpoints: %w", err)
	}
	return nil
}

// InsertProbeRecords appends one history row per probe result.
func (db *DB) InsertProbeRecords(ctx context.Context, sessionID string, results []models.ProbeResult) error {
	if len(results) == 0 {
		return nil
	}

	now := time.Now()
	records := make([]models.ProbeRecord, 0, len(results))
	for _, res := range results {
		rec := models.ProbeRecord{
			Signature: fmt.Sprintf("%s:%d:%s", res.Descriptor.Host, res.Descriptor.Port, res.Descriptor.Identity),
			SessionID: sessionID,
			LatencyMs: res.LatencyMs,
			Time:      now,
		}
		if res.Err != nil {
			rec.ErrorMsg = res.Err.Error()
		}
		records = append(records, rec)
	}

	if _, err := db.NewInsert().Model(&records).Exec(ctx); err != nil {
		return fmt.Errorf("error inserting probe records: %w", err)
	}
	return nil
}

// GetEndpointsByTier returns endpoints of one tier, fastest first.
func (db *DB) GetEndpointsByTier(ctx context.Context, tier models.Tier) ([]models.ValidatedEndpoint, error) {
	var endpoints []models.ValidatedEndpoint
	err := db.NewSelect().
		Model(&endpoints).
		Where("tier = ?", tier).
		Order("latency_ms ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting endpoints by tier: %w", err)
	}
	return endpoints, nil
}

// TierCounts returns the number of stored endpoints per tier.
func (db *DB) TierCounts(ctx context.Context) (map[models.Tier]int, error) {
	var rows []struct {
		Tier  models.Tier `bun:"tier"`
		Count int         `bun:"count"`
	}
	err := db.NewSelect().
		Model((*models.ValidatedEndpoint)(nil)).
		Column("tier").
		ColumnExpr("count(*) as count").
		Group("tier").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("error counting endpoints: %w", err)
	}

	counts := make(map[models.Tier]int, len(rows))
	for _, row := range rows {
		counts[row.Tier] = row.Count
	}
	return counts, nil
}
