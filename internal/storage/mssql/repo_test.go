package mssql

import (
	"strings"
	"testing"

	"ingest/internal/storage"
)

func TestBuildInsertSQL_Placeholders(t *testing.T) {
	t.Parallel()

	plan := storage.LoadPlan{
		Table:    "fact_orders",
		Columns:  []string{"order_id", "amount"},
		Strategy: storage.Append,
	}

	sqlText, args := buildInsertSQL(plan, [][]any{{1, 9.5}, {2, 3.25}})
	want := "INSERT INTO fact_orders ([order_id], [amount]) VALUES (@p1, @p2), (@p3, @p4)"
	if sqlText != want {
		t.Fatalf("sql = %q, want %q", sqlText, want)
	}
	if len(args) != 4 {
		t.Fatalf("args = %v", args)
	}
}

func TestBuildDedupeInsertSQL(t *testing.T) {
	t.Parallel()

	plan := storage.LoadPlan{
		Table:             "fact_orders",
		Columns:           []string{"order_id", "line_no", "amount"},
		Strategy:          storage.DeduplicateOnKey,
		NaturalKeyColumns: []string{"order_id", "line_no"},
	}

	sqlText, err := buildDedupeInsertSQL(plan)
	if err != nil {
		t.Fatalf("buildDedupeInsertSQL: %v", err)
	}
	for _, frag := range []string{
		"INSERT INTO fact_orders ([order_id], [line_no], [amount])",
		"SELECT @p1, @p2, @p3",
		"WHERE NOT EXISTS (SELECT 1 FROM fact_orders WHERE [order_id] = @p1 AND [line_no] = @p2)",
	} {
		if !strings.Contains(sqlText, frag) {
			t.Fatalf("sql %q missing %q", sqlText, frag)
		}
	}
}

func TestBuildDedupeInsertSQL_KeyOutsideInsertColumns(t *testing.T) {
	t.Parallel()

	plan := storage.LoadPlan{
		Table:             "orders",
		Columns:           []string{"order_id", "amount"},
		Strategy:          storage.DeduplicateOnKey,
		NaturalKeyColumns: []string{"external_ref"},
	}

	if _, err := buildDedupeInsertSQL(plan); err == nil {
		t.Fatal("want error for natural key column absent from insert columns")
	}
}

func TestBuildCreateTableSQL_KeyColumnsNotMax(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name: "fact_holdings",
		Columns: []storage.ColumnSpec{
			{Name: "cusip", Type: "string"},
			{Name: "note", Type: "string", Nullable: true},
		},
		NaturalKey: []string{"cusip"},
	}

	sqlText, err := buildCreateTableSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateTableSQL: %v", err)
	}
	if !strings.Contains(sqlText, "[cusip] NVARCHAR(450) NOT NULL") {
		t.Fatalf("key column should be NVARCHAR(450): %q", sqlText)
	}
	if !strings.Contains(sqlText, "[note] NVARCHAR(MAX)") {
		t.Fatalf("non-key string should stay NVARCHAR(MAX): %q", sqlText)
	}
}

func TestIdent_EscapesBrackets(t *testing.T) {
	t.Parallel()

	if got := ident("weird]col"); got != "[weird]]col]" {
		t.Fatalf("ident = %q", got)
	}
}
