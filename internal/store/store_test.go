package store

import (
	"context"
	"testing"
)

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "sqlite3", DSN: "file.db"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestOpenRequiresPostgresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: DriverPostgres})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
