package source

import (
	"fmt"
	"strings"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
)

// maxParams keeps IN lists well under SQL Server's 2100 parameter limit.
const maxParams = 1000

// quoteMSSQLIdent safely quotes a SQL Server identifier, escaping embedded ].
func quoteMSSQLIdent(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

func qualifyMSSQLTable(schema, table string) string {
	return quoteMSSQLIdent(schema) + "." + quoteMSSQLIdent(table)
}

// queries builds the T-SQL a gateway runs for one pipeline.
type queries struct {
	schema string
	src    config.SourceQuery
}

func newQueries(schema string, src config.SourceQuery) queries {
	return queries{schema: schema, src: src}
}

// columns returns the selected columns with the id column first.
func (q queries) columns() []string {
	cols := []string{q.src.IDColumn}
	for _, c := range q.src.Columns {
		if c != q.src.IDColumn {
			cols = append(cols, c)
		}
	}
	return cols
}

func (q queries) selectList(alias string) string {
	cols := q.columns()
	parts := make([]string, len(cols))
	for i, c := range cols {
		if alias != "" {
			parts[i] = alias + "." + quoteMSSQLIdent(c)
		} else {
			parts[i] = quoteMSSQLIdent(c)
		}
	}
	return strings.Join(parts, ", ")
}

func (q queries) table() string {
	return qualifyMSSQLTable(q.schema, q.src.Table)
}

func (q queries) staging() string {
	return qualifyMSSQLTable(q.schema, q.src.StagingTable)
}

func (q queries) id() string {
	return quoteMSSQLIdent(q.src.IDColumn)
}

// page selects up to @p1 rows ordered by id, after @p2 when afterID is set.
func (q queries) page(afterID bool) string {
	where := ""
	if afterID {
		where = " WHERE " + q.id() + " > @p2"
	}
	return fmt.Sprintf("SELECT TOP (@p1) %s FROM %s%s ORDER BY %s",
		q.selectList(""), q.table(), where, q.id())
}

func (q queries) ensureStaging() string {
	return fmt.Sprintf(`IF OBJECT_ID(N'%s', N'U') IS NULL
CREATE TABLE %s (
	[row_num] BIGINT IDENTITY(1,1) NOT NULL PRIMARY KEY,
	[legacy_id] NVARCHAR(64) NOT NULL
)`, strings.ReplaceAll(q.staging(), "'", "''"), q.staging())
}

// clearStaging truncates, which also resets the identity so rows renumber from 1.
func (q queries) clearStaging() string {
	return "TRUNCATE TABLE " + q.staging()
}

func (q queries) loadStaging() string {
	return fmt.Sprintf("INSERT INTO %s ([legacy_id]) SELECT CAST(%s AS NVARCHAR(64)) FROM %s ORDER BY %s",
		q.staging(), q.id(), q.table(), q.id())
}

func (q queries) countStaged() string {
	return "SELECT COUNT_BIG(*) FROM " + q.staging()
}

// rangeRows selects the records staged at row numbers @p1..@p2 inclusive.
func (q queries) rangeRows() string {
	return fmt.Sprintf(
		"SELECT %s FROM %s AS t INNER JOIN %s AS s ON CAST(t.%s AS NVARCHAR(64)) = s.[legacy_id] WHERE s.[row_num] BETWEEN @p1 AND @p2 ORDER BY s.[row_num]",
		q.selectList("t"), q.table(), q.staging(), q.id())
}

// placeholders returns "@p<from>, ..., @p<from+n-1>".
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("@p%d", from+i)
	}
	return strings.Join(parts, ", ")
}

func (q queries) byIDs(n int) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s) ORDER BY %s",
		q.selectList(""), q.table(), q.id(), placeholders(1, n), q.id())
}

// changedSince lists entity ids touched after the watermark, with the
// latest change value per id.
func (q queries) changedSince(hasWatermark bool) string {
	where := ""
	if hasWatermark {
		where = " WHERE " + quoteMSSQLIdent(q.src.ChangeColumn) + " > @p1"
	}
	return fmt.Sprintf("SELECT CAST(%s AS NVARCHAR(64)), MAX(%s) FROM %s%s GROUP BY %s ORDER BY MAX(%s)",
		quoteMSSQLIdent(q.src.ChangeID), quoteMSSQLIdent(q.src.ChangeColumn),
		qualifyMSSQLTable(q.schema, q.src.ChangeTable), where,
		quoteMSSQLIdent(q.src.ChangeID), quoteMSSQLIdent(q.src.ChangeColumn))
}

func (q queries) childColumns() []string {
	c := q.src.Children
	cols := []string{c.ParentColumn}
	for _, col := range c.Columns {
		if col != c.ParentColumn {
			cols = append(cols, col)
		}
	}
	return cols
}

func (q queries) children(n int) string {
	c := q.src.Children
	cols := q.childColumns()
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteMSSQLIdent(col)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s) ORDER BY %s",
		strings.Join(quoted, ", "), qualifyMSSQLTable(q.schema, c.Table),
		quoteMSSQLIdent(c.ParentColumn), placeholders(1, n), quoteMSSQLIdent(c.ParentColumn))
}

// chunk splits ids into slices of at most maxParams.
func chunk(ids []string) [][]string {
	var out [][]string
	for len(ids) > maxParams {
		out = append(out, ids[:maxParams])
		ids = ids[maxParams:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
