package store

import (
	"database/sql"
	"fmt"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is one page of a stable-ordered listing.
type Page[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// scanner is an alias so scanX funcs declared with the literal interface
// satisfy func(scanner) (*T, error).
type scanner = interface{ Scan(...any) error }

// clampPage normalizes a 1-based page number and caps the page size.
func clampPage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

func queryList[T any](db *sql.DB, scan func(scanner) (*T, error), query string, args ...any) ([]T, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// paginate runs a count over table and a page query ordered by
// created_at DESC, id DESC.
func paginate[T any](db *sql.DB, scan func(scanner) (*T, error), table, cols string, page, size int) (Page[T], error) {
	page, size = clampPage(page, size)

	var total int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&total); err != nil {
		return Page[T]{}, fmt.Errorf("count %s: %w", table, err)
	}

	items, err := queryList(db, scan,
		`SELECT `+cols+` FROM `+table+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		size, (page-1)*size,
	)
	if err != nil {
		return Page[T]{}, fmt.Errorf("page %s: %w", table, err)
	}
	if items == nil {
		items = []T{}
	}

	totalPages := int((total + int64(size) - 1) / int64(size))
	return Page[T]{Items: items, Page: page, PageSize: size, Total: total, TotalPages: totalPages}, nil
}

func count(db *sql.DB, query string, args ...any) (int64, error) {
	var n int64
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func rowsChanged(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
