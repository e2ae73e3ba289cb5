package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Column describes one column as reported by information_schema.
type Column struct {
	Name     string
	DataType string
	Nullable bool
}

// Table holds the ordered column list for one base table.
type Table struct {
	Name    string
	Columns []Column
}

// Snapshot is an immutable capture of the store's structure. Lookups fold
// identifiers to lower case, matching how unquoted SQL identifiers resolve.
type Snapshot struct {
	Tables     map[string]Table
	CapturedAt time.Time
}

func (s Snapshot) HasTable(name string) bool {
	_, ok := s.Tables[fold(name)]
	return ok
}

func (s Snapshot) HasColumn(table, column string) bool {
	def, ok := s.Tables[fold(table)]
	if !ok {
		return false
	}
	target := fold(column)
	for _, col := range def.Columns {
		if fold(col.Name) == target {
			return true
		}
	}
	return false
}

// TableNames returns the table names in sorted order.
func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PromptDescription renders the schema block embedded in synthesis prompts.
func (s Snapshot) PromptDescription() string {
	if len(s.Tables) == 0 {
		return "No schema information available."
	}

	var builder strings.Builder
	for i, name := range s.TableNames() {
		if i > 0 {
			builder.WriteString("\n")
		}
		table := s.Tables[name]
		builder.WriteString("Table: " + table.Name + "\n")
		builder.WriteString(strings.Repeat("=", 40) + "\n")
		for _, col := range table.Columns {
			nullable := "NOT NULL"
			if col.Nullable {
				nullable = "NULL"
			}
			builder.WriteString(fmt.Sprintf("  %s: %s %s\n", col.Name, col.DataType, nullable))
		}
	}
	return builder.String()
}

func fold(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
