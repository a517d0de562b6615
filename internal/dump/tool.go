package dump

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// ToolDumper shells out to the sqlite3 command line shell. The process is
// killed when ctx is canceled.
type ToolDumper struct {
	Path   string
	DBPath string
	now    func() time.Time
}

func NewToolDumper(path, dbPath string) *ToolDumper {
	if path == "" {
		path = "sqlite3"
	}
	return &ToolDumper{Path: path, DBPath: dbPath, now: time.Now}
}

// Available reports whether the sqlite3 binary can be found.
func (d *ToolDumper) Available() error {
	if _, err := exec.LookPath(d.Path); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrToolUnavailable, d.Path, err)
	}
	return nil
}

func (d *ToolDumper) Dump(ctx context.Context, tables []string, w io.Writer) error {
	if err := checkTables(tables); err != nil {
		return err
	}
	bin, err := exec.LookPath(d.Path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrToolUnavailable, d.Path, err)
	}

	bw := bufio.NewWriter(w)
	if err := writeHeader(bw, tables, d.now()); err != nil {
		return err
	}
	for _, t := range tables {
		if _, err := fmt.Fprintf(bw, "DELETE FROM %s;\n", quoteIdent(t)); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}

		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, bin, "-batch", "-bail", d.DBPath,
			".headers on",
			".mode insert "+t,
			"SELECT * FROM "+quoteIdent(t)+" ORDER BY rowid;",
		)
		cmd.Stdout = bw
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return fmt.Errorf("%w: %s: exit %d: %s", ErrExecutionFailed, t, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
			}
			return fmt.Errorf("%w: %s: %v", ErrExecutionFailed, t, err)
		}
	}
	return bw.Flush()
}
