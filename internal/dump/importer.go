package dump

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Importer applies a dump to the database.
type Importer interface {
	Import(ctx context.Context, r io.Reader) (*ImportResult, error)
}

type ImportResult struct {
	Tables     []string
	Statements int
}

// TxImporter applies a dump in a single transaction with foreign key checks
// deferred to commit. Any failure rolls back everything.
type TxImporter struct {
	db *sql.DB
}

func NewTxImporter(db *sql.DB) *TxImporter {
	return &TxImporter{db: db}
}

var stmtTarget = regexp.MustCompile(`(?i)^(DELETE\s+FROM|INSERT\s+INTO)\s+(?:"([^"]+)"|([A-Za-z_][A-Za-z0-9_]*))`)

func (im *TxImporter) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	br := bufio.NewReader(r)
	declared, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	conn, err := im.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("defer foreign keys: %w", err)
	}

	result := &ImportResult{}
	cleared := make(map[string]bool)
	scanner := newStatementScanner(br)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stmt, err := scanner.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		table, isDelete, err := targetOf(stmt)
		if err != nil {
			return nil, err
		}
		if !declared[table] {
			return nil, fmt.Errorf("%w: statement %d targets undeclared table %q", ErrInvalidDump, result.Statements+1, table)
		}
		if !isDelete && !cleared[table] {
			return nil, fmt.Errorf("%w: insert into %q before it was cleared", ErrInvalidDump, table)
		}

		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("statement %d: %w", result.Statements+1, err)
		}
		result.Statements++
		if isDelete && !cleared[table] {
			cleared[table] = true
			result.Tables = append(result.Tables, table)
		}
	}

	for t := range declared {
		if !cleared[t] {
			return nil, fmt.Errorf("%w: table %q declared but never restored", ErrInvalidDump, t)
		}
	}

	if err := foreignKeyCheck(ctx, tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		// A failed COMMIT can leave SQLite inside the transaction.
		conn.ExecContext(context.Background(), "ROLLBACK")
		return nil, fmt.Errorf("commit import: %w", err)
	}
	return result, nil
}

func foreignKeyCheck(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		var table, parent string
		var rowid sql.NullInt64
		var fkid int64
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("foreign key check: %w", err)
		}
		return fmt.Errorf("foreign key violation: %s row %d references missing %s", table, rowid.Int64, parent)
	}
	return rows.Err()
}

// readHeader checks the dump banner and returns the declared tables.
func readHeader(br *bufio.Reader) (map[string]bool, error) {
	first, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if strings.TrimRight(first, "\r\n") != headerLine {
		return nil, fmt.Errorf("%w: missing header", ErrInvalidDump)
	}
	second, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read header: %w", err)
	}
	list, ok := strings.CutPrefix(strings.TrimRight(second, "\r\n"), "-- tables: ")
	if !ok {
		return nil, fmt.Errorf("%w: missing table list", ErrInvalidDump)
	}
	declared := make(map[string]bool)
	for _, t := range strings.Split(list, ",") {
		t = strings.TrimSpace(t)
		if !isKnownTable(t) {
			return nil, fmt.Errorf("%w: %w %q", ErrInvalidDump, ErrUnknownTable, t)
		}
		declared[t] = true
	}
	return declared, nil
}

func targetOf(stmt string) (table string, isDelete bool, err error) {
	m := stmtTarget.FindStringSubmatch(stmt)
	if m == nil {
		return "", false, fmt.Errorf("%w: unsupported statement %q", ErrInvalidDump, truncate(stmt, 40))
	}
	table = m[2]
	if table == "" {
		table = m[3]
	}
	if !isKnownTable(table) {
		return "", false, fmt.Errorf("%w: %w %q", ErrInvalidDump, ErrUnknownTable, table)
	}
	isDelete = strings.HasPrefix(strings.ToUpper(m[1]), "DELETE")
	if isDelete && strings.TrimSpace(stmt[len(m[0]):]) != "" {
		return "", false, fmt.Errorf("%w: conditional delete on %q", ErrInvalidDump, table)
	}
	return table, isDelete, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// statementScanner splits SQL text on semicolons that are outside string
// literals, quoted identifiers and line comments.
type statementScanner struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

func newStatementScanner(r *bufio.Reader) *statementScanner {
	return &statementScanner{r: r}
}

func (s *statementScanner) next() (string, error) {
	s.buf.Reset()
	var quote byte
	for {
		c, err := s.r.ReadByte()
		if err == io.EOF {
			if quote != 0 {
				return "", fmt.Errorf("%w: unterminated quoted text", ErrInvalidDump)
			}
			if strings.TrimSpace(s.buf.String()) != "" {
				return "", fmt.Errorf("%w: trailing statement without terminator", ErrInvalidDump)
			}
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("read dump: %w", err)
		}

		switch {
		case quote != 0:
			s.buf.WriteByte(c)
			if c == quote {
				// A doubled quote is an escaped quote, not the end.
				if nb, err := s.r.Peek(1); err == nil && nb[0] == quote {
					s.r.ReadByte()
					s.buf.WriteByte(quote)
					continue
				}
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			s.buf.WriteByte(c)
		case c == '-':
			if nb, err := s.r.Peek(1); err == nil && nb[0] == '-' {
				if _, err := s.r.ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
					return "", fmt.Errorf("read dump: %w", err)
				}
				s.buf.WriteByte('\n')
				continue
			}
			s.buf.WriteByte(c)
		case c == ';':
			stmt := strings.TrimSpace(s.buf.String())
			if stmt == "" {
				s.buf.Reset()
				continue
			}
			return stmt, nil
		default:
			s.buf.WriteByte(c)
		}
	}
}
