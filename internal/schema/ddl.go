package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RenderDDL writes one CREATE OR REPLACE TABLE statement per table followed
// by its example rows as INSERT statements. Identifiers use the descriptor's
// quote character, so names copied from the DDL run on the warehouse. String
// values and comments are quoted with embedded quotes and backslashes
// escaped.
func RenderDDL(d Descriptor) string {
	var b strings.Builder
	for _, table := range d.Tables {
		writeTable(&b, d, table)
	}
	return b.String()
}

func writeTable(b *strings.Builder, d Descriptor, table Table) {
	name := d.QuoteName(table.Name)
	fmt.Fprintf(b, "CREATE OR REPLACE TABLE %s (\n", name)
	for i, col := range table.Columns {
		fmt.Fprintf(b, "  %s %s", QuoteIdentifier(d.quote(), col.Name), col.Type)
		if col.Repeated {
			b.WriteString(" ARRAY")
		}
		if col.Description != "" {
			fmt.Fprintf(b, " COMMENT %s", quoteString(col.Description))
		}
		if i < len(table.Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(");\n\n")

	rows := table.ExampleRows
	if len(rows) > MaxExampleRows {
		rows = rows[:MaxExampleRows]
	}
	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(b, "-- Example values for table %s:\n", name)
	for _, row := range rows {
		fmt.Fprintf(b, "INSERT INTO %s VALUES\n(", name)
		for i, value := range row {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(literal(value))
		}
		b.WriteString(");\n\n")
	}
}

func quoteString(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `'`, `\'`)
	return "'" + value + "'"
}

func literal(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteString(typed)
	case []byte:
		return quoteString(string(typed))
	case time.Time:
		return quoteString(typed.Format(time.RFC3339))
	case bool:
		return strconv.FormatBool(typed)
	case float32:
		return strconv.FormatFloat(float64(typed), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(typed, 'g', -1, 64)
	case fmt.Stringer:
		return quoteString(typed.String())
	default:
		return fmt.Sprint(typed)
	}
}
