package dump

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	headerLine = "-- mchcare sql dump"
	timeFormat = "2006-01-02 15:04:05.999999999-07:00"
)

// Dumper writes the given tables as SQL statements to w.
type Dumper interface {
	Dump(ctx context.Context, tables []string, w io.Writer) error
}

// NativeDumper reads rows through database/sql inside one read
// transaction, so all tables come from the same snapshot.
type NativeDumper struct {
	db  *sql.DB
	now func() time.Time
}

func NewNativeDumper(db *sql.DB) *NativeDumper {
	return &NativeDumper{db: db, now: time.Now}
}

func writeHeader(w io.Writer, tables []string, now time.Time) error {
	_, err := fmt.Fprintf(w, "%s\n-- tables: %s\n-- created: %s\n",
		headerLine, strings.Join(tables, ","), now.UTC().Format(time.RFC3339))
	return err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *NativeDumper) Dump(ctx context.Context, tables []string, w io.Writer) error {
	if err := checkTables(tables); err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrExecutionFailed, err)
	}
	defer tx.Rollback()

	bw := bufio.NewWriter(w)
	if err := writeHeader(bw, tables, d.now()); err != nil {
		return err
	}
	for _, t := range tables {
		if err := dumpTable(ctx, tx, t, bw); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func dumpTable(ctx context.Context, tx *sql.Tx, table string, w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, "DELETE FROM %s;\n", quoteIdent(table)); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT * FROM `+quoteIdent(table)+` ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("%w: query %s: %w", ErrExecutionFailed, table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("%w: columns %s: %v", ErrExecutionFailed, table, err)
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	prefix := "INSERT INTO " + quoteIdent(table) + " (" + strings.Join(quoted, ", ") + ") VALUES ("

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("%w: scan %s: %w", ErrExecutionFailed, table, err)
		}
		w.WriteString(prefix)
		for i, v := range vals {
			if i > 0 {
				w.WriteString(", ")
			}
			w.WriteString(literal(v))
		}
		if _, err := w.WriteString(");\n"); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: rows %s: %w", ErrExecutionFailed, table, err)
	}
	return ctx.Err()
}

// literal renders v as a single-line SQLite literal.
func literal(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		switch {
		case math.IsNaN(v):
			return "NULL"
		case math.IsInf(v, 1):
			return "9e999"
		case math.IsInf(v, -1):
			return "-9e999"
		}
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".e") {
			s += ".0"
		}
		return s
	case bool:
		if v {
			return "1"
		}
		return "0"
	case []byte:
		return "X'" + hex.EncodeToString(v) + "'"
	case time.Time:
		return "'" + v.Format(timeFormat) + "'"
	case string:
		return textLiteral(v)
	default:
		return textLiteral(fmt.Sprint(v))
	}
}

func textLiteral(s string) string {
	if strings.ContainsAny(s, "\r\n\x00") {
		return "CAST(X'" + hex.EncodeToString([]byte(s)) + "' AS TEXT)"
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
