package source

import (
	"strings"
	"testing"
	"time"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
)

func testQueries() queries {
	return newQueries("dbo", config.SourceQuery{
		Table:        "AO_TRUSTEE",
		IDColumn:     "TRUSTEE_ID",
		Columns:      []string{"TRUSTEE_ID", "FIRST_NAME", "LAST_NAME"},
		StagingTable: "trustee_staging",
		ChangeTable:  "AO_TX",
		ChangeColumn: "TX_ID",
		ChangeID:     "TRUSTEE_ID",
		Children: &config.ChildQuery{
			Table:        "AO_APPOINTMENT",
			ParentColumn: "TRUSTEE_ID",
			Columns:      []string{"DIVISION", "CHAPTER", "TRUSTEE_ID"},
		},
	})
}

func TestQuoteMSSQLIdent(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"users", "[users]"},
		{"user]name", "[user]]name]"},
		{"a]]b", "[a]]]]b]"},
		{"", "[]"},
	}
	for _, tt := range tests {
		if got := quoteMSSQLIdent(tt.input); got != tt.want {
			t.Errorf("quoteMSSQLIdent(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestColumnsPutIDFirstOnce(t *testing.T) {
	got := testQueries().columns()
	want := []string{"TRUSTEE_ID", "FIRST_NAME", "LAST_NAME"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("columns() = %v, want %v", got, want)
	}

	children := testQueries().childColumns()
	if children[0] != "TRUSTEE_ID" || len(children) != 3 {
		t.Errorf("childColumns() = %v, want parent column first without duplicates", children)
	}
}

func TestPageQuery(t *testing.T) {
	q := testQueries()

	first := q.page(false)
	if strings.Contains(first, "WHERE") {
		t.Errorf("first page must not filter: %s", first)
	}
	want := "SELECT TOP (@p1) [TRUSTEE_ID], [FIRST_NAME], [LAST_NAME] FROM [dbo].[AO_TRUSTEE] ORDER BY [TRUSTEE_ID]"
	if first != want {
		t.Errorf("page(false) =\n%s\nwant\n%s", first, want)
	}

	next := q.page(true)
	if !strings.Contains(next, "WHERE [TRUSTEE_ID] > @p2") {
		t.Errorf("page(true) missing cursor predicate: %s", next)
	}
	if !strings.HasSuffix(next, "ORDER BY [TRUSTEE_ID]") {
		t.Errorf("page(true) must order by id: %s", next)
	}
}

func TestStagingQueries(t *testing.T) {
	q := testQueries()

	if got := q.clearStaging(); got != "TRUNCATE TABLE [dbo].[trustee_staging]" {
		t.Errorf("clearStaging() = %s", got)
	}
	if got := q.countStaged(); got != "SELECT COUNT_BIG(*) FROM [dbo].[trustee_staging]" {
		t.Errorf("countStaged() = %s", got)
	}
	load := q.loadStaging()
	if !strings.HasPrefix(load, "INSERT INTO [dbo].[trustee_staging] ([legacy_id])") || !strings.HasSuffix(load, "ORDER BY [TRUSTEE_ID]") {
		t.Errorf("loadStaging() = %s", load)
	}
	ensure := q.ensureStaging()
	if !strings.Contains(ensure, "IDENTITY(1,1)") || !strings.Contains(ensure, "OBJECT_ID(N'[dbo].[trustee_staging]'") {
		t.Errorf("ensureStaging() = %s", ensure)
	}
	rng := q.rangeRows()
	if !strings.Contains(rng, "BETWEEN @p1 AND @p2") || !strings.Contains(rng, "t.[FIRST_NAME]") {
		t.Errorf("rangeRows() = %s", rng)
	}
}

func TestByIDsAndChildren(t *testing.T) {
	q := testQueries()
	if got := q.byIDs(3); !strings.Contains(got, "IN (@p1, @p2, @p3)") {
		t.Errorf("byIDs(3) = %s", got)
	}
	if got := q.children(2); !strings.Contains(got, "FROM [dbo].[AO_APPOINTMENT] WHERE [TRUSTEE_ID] IN (@p1, @p2)") {
		t.Errorf("children(2) = %s", got)
	}
}

func TestChangedSinceQuery(t *testing.T) {
	q := testQueries()
	if got := q.changedSince(false); strings.Contains(got, "WHERE") {
		t.Errorf("changedSince(false) must scan everything: %s", got)
	}
	got := q.changedSince(true)
	if !strings.Contains(got, "WHERE [TX_ID] > @p1") || !strings.Contains(got, "GROUP BY [TRUSTEE_ID]") {
		t.Errorf("changedSince(true) = %s", got)
	}
}

func TestChunk(t *testing.T) {
	ids := make([]string, 2500)
	for i := range ids {
		ids[i] = "x"
	}
	chunks := chunk(ids)
	if len(chunks) != 3 || len(chunks[0]) != 1000 || len(chunks[2]) != 500 {
		t.Errorf("chunk sizes = %d chunks, want 1000/1000/500", len(chunks))
	}
	if chunk(nil) != nil {
		t.Error("chunk(nil) should be empty")
	}
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{int64(42), "42"},
		{int32(7), "7"},
		{"  081-24-00001 ", "081-24-00001"},
		{[]byte("123.45"), "123.45"},
		{ts, "2024-03-01T09:30:00.0000000Z"},
		{ts.Add(500 * time.Millisecond), "2024-03-01T09:30:00.5000000Z"},
		{ts.Add(100 * time.Nanosecond).In(time.FixedZone("EST", -5*3600)), "2024-03-01T09:30:00.0000001Z"},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatValueWatermarksSortInTimeOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(time.Microsecond),
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.Add(10 * time.Second),
	}
	for i := 1; i < len(times); i++ {
		prev, next := formatValue(times[i-1]), formatValue(times[i])
		if prev >= next {
			t.Errorf("watermark %q does not sort before %q", prev, next)
		}
	}
}
