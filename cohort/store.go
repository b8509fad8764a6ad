// Copyright (c) 2024 The MINDS Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package cohort

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// columns every cohort selection must produce
const (
	caseIDColumn      = "cases_case_id"
	submitterIDColumn = "cases_submitter_id"
)

// Store holds the local clinical metadata tables that cohort queries run
// against. It is a single-file SQLite database refreshed by Update.
type Store struct {
	pool *sqlitex.Pool
	path string
}

// Open opens (creating if needed) the clinical metadata store at the given
// path.
func Open(path string) (*Store, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{PoolSize: 4})
	if err != nil {
		return nil, fmt.Errorf("opening clinical store %s: %w", path, err)
	}
	return &Store{pool: pool, path: path}, nil
}

// Close releases the store's database connections.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// Tables lists the metadata tables currently loaded into the store.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var tables []string
	err = sqlitex.Execute(conn,
		`SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tables = append(tables, stmt.ColumnText(0))
				return nil
			},
		})
	return tables, err
}

// Columns lists the columns of a loaded metadata table.
func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	tables, err := s.Tables(ctx)
	if err != nil {
		return nil, err
	}
	found := false
	for _, name := range tables {
		if name == table {
			found = true
			break
		}
	}
	if !found {
		return nil, &UnknownTableError{Table: table}
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var columns []string
	err = sqlitex.ExecuteTransient(conn,
		fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdentifier(table)),
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				columns = append(columns, stmt.ColumnText(1))
				return nil
			},
		})
	return columns, err
}

// Query runs an arbitrary read query against the store and returns its rows
// as column-name-keyed maps, in result order.
func (s *Store) Query(ctx context.Context, query string) ([]map[string]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rows []map[string]string
	err = sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row := make(map[string]string, stmt.ColumnCount())
			for i := 0; i < stmt.ColumnCount(); i++ {
				row[stmt.ColumnName(i)] = stmt.ColumnText(i)
			}
			rows = append(rows, row)
			return nil
		},
	})
	return rows, err
}

// QueryCohort runs a selection query and folds its rows into a cohort. The
// query must produce cases_case_id and cases_submitter_id columns; rows
// sharing a case UUID are grouped, with duplicate submitter identifiers
// dropped and first-appearance order kept throughout.
func (s *Store) QueryCohort(ctx context.Context, query string) (Cohort, error) {
	rows, err := s.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return foldCohort(rows)
}

// PortalCohort builds a cohort from a TSV case list exported from the
// registry portal, resolving its case UUIDs against the clinical table.
func (s *Store) PortalCohort(ctx context.Context, caseListPath string) (Cohort, error) {
	caseIDs, err := readCaseList(caseListPath)
	if err != nil {
		return nil, err
	}
	if len(caseIDs) == 0 {
		return nil, &InvalidSelectionError{Reason: "case list names no cases"}
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(caseIDs)), ", ")
	args := make([]any, len(caseIDs))
	for i, id := range caseIDs {
		args[i] = id
	}

	var rows []map[string]string
	err = sqlitex.ExecuteTransient(conn,
		fmt.Sprintf(`SELECT %s, %s FROM clinical WHERE %s IN (%s)`,
			caseIDColumn, submitterIDColumn, caseIDColumn, placeholders),
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, map[string]string{
					caseIDColumn:      stmt.ColumnText(0),
					submitterIDColumn: stmt.ColumnText(1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return foldCohort(rows)
}

// groups selection rows into cases, preserving first-appearance order
func foldCohort(rows []map[string]string) (Cohort, error) {
	var cohort Cohort
	index := make(map[string]int)
	for _, row := range rows {
		caseID, found := row[caseIDColumn]
		if !found {
			return nil, &MissingColumnError{Column: caseIDColumn}
		}
		submitterID, found := row[submitterIDColumn]
		if !found {
			return nil, &MissingColumnError{Column: submitterIDColumn}
		}
		if caseID == "" {
			continue
		}
		i, seen := index[caseID]
		if !seen {
			index[caseID] = len(cohort)
			cohort = append(cohort, Case{CaseID: caseID})
			i = len(cohort) - 1
		}
		if submitterID != "" && !contains(cohort[i].SubmitterIDs, submitterID) {
			cohort[i].SubmitterIDs = append(cohort[i].SubmitterIDs, submitterID)
		}
	}
	return cohort, nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// replaceTable swaps in a freshly loaded metadata table, dropping any prior
// contents. All columns are stored as text.
func (s *Store) replaceTable(ctx context.Context, name string, columns []string, rows [][]string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	if err = sqlitex.ExecuteTransient(conn,
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdentifier(name)), nil); err != nil {
		return err
	}

	columnDefs := make([]string, len(columns))
	for i, column := range columns {
		columnDefs[i] = quoteIdentifier(column) + " TEXT"
	}
	if err = sqlitex.ExecuteTransient(conn,
		fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdentifier(name),
			strings.Join(columnDefs, ", ")), nil); err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert := fmt.Sprintf(`INSERT INTO %s VALUES (%s)`, quoteIdentifier(name), placeholders)
	for _, row := range rows {
		args := make([]any, len(columns))
		for i := range columns {
			if i < len(row) {
				args[i] = row[i]
			} else {
				args[i] = ""
			}
		}
		if err = sqlitex.Execute(conn, insert, &sqlitex.ExecOptions{Args: args}); err != nil {
			return err
		}
	}
	return nil
}

// quotes a SQL identifier that originates from untrusted input
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
