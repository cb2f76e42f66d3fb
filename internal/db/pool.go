package db

import "github.com/jmoiron/sqlx"

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection. For PostgreSQL both Writer and Reader
// return the same *sqlx.DB since pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// NewSharedPool creates a Pool where reads and writes share one connection
// pool (the PostgreSQL case).
func NewSharedPool(db *sqlx.DB) *Pool {
	return &Pool{writer: db, reader: db}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB.
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
