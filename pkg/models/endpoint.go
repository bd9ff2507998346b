package models

import (
	"fmt"
	"net"
	"time"

	"github.com/uptrace/bun"
)

// ValidatedEndpoint is a descriptor that survived benchmarking, ranked
// and deduplicated. Persisted for reporting via the database layer.
type ValidatedEndpoint struct {
	bun.BaseModel `bun:"table:endpoints,alias:e"`

	ID          int64  `bun:",pk,autoincrement"`
	Signature   string `bun:",unique,notnull"`
	URI         string `bun:",notnull"`
	Scheme      string `bun:",notnull"`
	Host        string `bun:",notnull"`
	Port        int    `bun:",notnull"`
	ResolvedIP  string
	Region      string
	DisplayName string
	LatencyMs   int64     `bun:",notnull"`
	Tier        Tier      `bun:",notnull"`
	LastTested  time.Time `bun:",notnull"`
	CreatedAt   time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:",nullzero,notnull,default:current_timestamp"`

	Descriptor Descriptor `bun:"-"`
}

// ProbeRecord is one historical benchmark observation for an endpoint.
type ProbeRecord struct {
	bun.BaseModel `bun:"table:probe_results,alias:pr"`

	ID        int64     `bun:",pk,autoincrement"`
	Signature string    `bun:",notnull"`
	SessionID string    `bun:",notnull"`
	LatencyMs int64
	ErrorMsg  string
	Time      time.Time `bun:",notnull"`
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}
