package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

type scanner interface{ Scan(dest ...any) error }

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullableI64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func marshalStrings(values []string) (string, error) {
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, value := range values {
		v := strings.TrimSpace(value)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return "[]", nil
	}
	buf, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal string list: %w", err)
	}
	return string(buf), nil
}

func unmarshalStrings(raw string) ([]string, error) {
	text := strings.TrimSpace(raw)
	if text == "" || text == "[]" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(text), &values); err != nil {
		return nil, fmt.Errorf("unmarshal string list: %w", err)
	}
	return values, nil
}

func marshalI64s(values []int64) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	buf, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("marshal id list: %w", err)
	}
	return string(buf), nil
}

func unmarshalI64s(raw string) ([]int64, error) {
	text := strings.TrimSpace(raw)
	if text == "" || text == "[]" {
		return nil, nil
	}
	var values []int64
	if err := json.Unmarshal([]byte(text), &values); err != nil {
		return nil, fmt.Errorf("unmarshal id list: %w", err)
	}
	return values, nil
}

func marshalInts(values []int) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	buf, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("marshal int list: %w", err)
	}
	return string(buf), nil
}

func unmarshalInts(raw string) ([]int, error) {
	text := strings.TrimSpace(raw)
	if text == "" || text == "[]" {
		return nil, nil
	}
	var values []int
	if err := json.Unmarshal([]byte(text), &values); err != nil {
		return nil, fmt.Errorf("unmarshal int list: %w", err)
	}
	return values, nil
}
