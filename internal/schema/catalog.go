package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/querygate/querygate/internal/store"
)

const columnsQuery = `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`

// Catalog introspects and caches table metadata. Re-introspection is always
// explicit; a stale snapshot stays valid until a caller refreshes it.
type Catalog struct {
	db         *sql.DB
	schemaName string

	mu       sync.RWMutex
	snapshot Snapshot
}

func NewCatalog(db *sql.DB, schemaName string) *Catalog {
	if schemaName == "" {
		schemaName = "public"
	}
	return &Catalog{db: db, schemaName: schemaName}
}

// Introspect captures a fresh snapshot from information_schema and swaps it
// in atomically. The previous snapshot survives any failure.
func (c *Catalog) Introspect(ctx context.Context) (Snapshot, error) {
	rows, err := c.db.QueryContext(ctx, columnsQuery, c.schemaName)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: introspect schema: %v", store.ErrUnreachable, err)
	}
	defer func() { _ = rows.Close() }()

	tables := map[string]Table{}
	for rows.Next() {
		var tableName, columnName, dataType, isNullable string
		if err := rows.Scan(&tableName, &columnName, &dataType, &isNullable); err != nil {
			return Snapshot{}, fmt.Errorf("scan column row: %w", err)
		}
		key := fold(tableName)
		table, ok := tables[key]
		if !ok {
			table = Table{Name: tableName}
		}
		table.Columns = append(table.Columns, Column{
			Name:     columnName,
			DataType: dataType,
			Nullable: isNullable == "YES",
		})
		tables[key] = table
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: iterate columns: %v", store.ErrUnreachable, err)
	}

	snapshot := Snapshot{Tables: tables, CapturedAt: time.Now().UTC()}
	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()
	return snapshot, nil
}

// Snapshot returns the last captured snapshot without blocking on the store.
func (c *Catalog) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

func (c *Catalog) ContainsTable(name string) bool {
	return c.Snapshot().HasTable(name)
}

func (c *Catalog) ContainsColumn(table, column string) bool {
	return c.Snapshot().HasColumn(table, column)
}

// HealthCheck pings the store, for readiness probes.
func (c *Catalog) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
