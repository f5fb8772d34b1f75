package backup

import (
	"fmt"
	"time"
)

// FormatVersion is written into every snapshot's metadata.
const FormatVersion = 1

// Row is one record as column name to value.
type Row = map[string]any

// Creator identifies who took a snapshot.
type Creator struct {
	UserID int64  `json:"user_id,omitempty"`
	Email  string `json:"email"`
}

// TableError records a table that could not be read.
type TableError struct {
	Table string `json:"table"`
	Error string `json:"error"`
}

// Metadata describes a snapshot.
type Metadata struct {
	Version    int          `json:"version"`
	ID         string       `json:"id"`
	CreatedAt  time.Time    `json:"created_at"`
	CreatedBy  Creator      `json:"created_by"`
	TableCount int          `json:"table_count"`
	RowCount   int          `json:"row_count"`
	Truncated  []string     `json:"truncated,omitempty"`
	Errors     []TableError `json:"errors,omitempty"`
}

// Snapshot is the exported document: metadata plus rows per table.
type Snapshot struct {
	Metadata Metadata         `json:"metadata"`
	Data     map[string][]Row `json:"data"`
}

// Counts returns the number of rows per table.
func (s Snapshot) Counts() map[string]int {
	out := make(map[string]int, len(s.Data))
	for table, rows := range s.Data {
		out[table] = len(rows)
	}
	return out
}

// FileName is the download name for a snapshot taken at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("backup-%s.json", t.UTC().Format(time.DateOnly))
}
