package backend

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/connpool/pkg/bucket"
)

// SQLServer is a SQL Server connection.
type SQLServer struct {
	db *sql.DB
}

// openSQLServer opens a new SQL Server connection for the bucket.
func openSQLServer(ctx context.Context, b *bucket.Bucket) (Handle, error) {
	db, err := sql.Open("sqlserver", b.DSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// sql.DB is used as a single-connection pool so each handle maps 1:1 to a
	// physical SQL Server connection; lifetime is managed by our pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", b.Addr(), err)
	}
	return &SQLServer{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLServer) DB() *sql.DB {
	return s.db
}

func (s *SQLServer) Driver() string {
	return bucket.DriverSQLServer
}

func (s *SQLServer) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLServer) Close() error {
	return s.db.Close()
}

// ResetSession runs sp_reset_connection to clear session state.
func (s *SQLServer) ResetSession(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "EXEC sp_reset_connection")
	return err
}
