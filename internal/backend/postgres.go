package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/joao-brasil/connpool/pkg/bucket"
)

const pgCloseTimeout = 5 * time.Second

// Postgres is a PostgreSQL connection.
type Postgres struct {
	conn *pgx.Conn
}

func openPostgres(ctx context.Context, b *bucket.Bucket) (Handle, error) {
	conn, err := pgx.Connect(ctx, b.DSN())
	if err != nil {
		return nil, fmt.Errorf("pgx connect %s: %w", b.Addr(), err)
	}
	return &Postgres{conn: conn}, nil
}

// Conn returns the underlying *pgx.Conn.
func (p *Postgres) Conn() *pgx.Conn {
	return p.conn
}

func (p *Postgres) Driver() string {
	return bucket.DriverPostgres
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.conn.Ping(ctx)
}

func (p *Postgres) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), pgCloseTimeout)
	defer cancel()
	return p.conn.Close(ctx)
}
