package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Postgres is a connection pool to a single PostgreSQL node.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres opens a pool for one node. No connection is made until the
// first query.
func NewPostgres(cfg Config) (*Postgres, error) {
	cfg.applyDefaults()

	db, err := sqlx.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A probe needs one connection, admin commands at most two.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// NewFromDB wraps an existing *sql.DB, mostly for tests.
func NewFromDB(db *sql.DB, driver string) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, driver)}
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Pool hands out one *Postgres per node address, opened on first use.
type Pool struct {
	base  Config
	mu    sync.Mutex
	nodes map[string]*Postgres
	open  func(Config) (*Postgres, error)
}

// NewPool creates a pool that connects every node with the base settings.
func NewPool(base Config) *Pool {
	return &Pool{
		base:  base,
		nodes: make(map[string]*Postgres),
		open:  NewPostgres,
	}
}

// Node returns the connection pool for host:port.
func (p *Pool) Node(host string, port int) (*Postgres, error) {
	key := fmt.Sprintf("%s:%d", host, port)

	p.mu.Lock()
	defer p.mu.Unlock()

	if pg, ok := p.nodes[key]; ok {
		return pg, nil
	}
	pg, err := p.open(p.base.ForNode(host, port))
	if err != nil {
		return nil, err
	}
	p.nodes[key] = pg
	return pg, nil
}

// Close closes every node pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, pg := range p.nodes {
		if err := pg.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", key, err)
		}
		delete(p.nodes, key)
	}
	return firstErr
}
