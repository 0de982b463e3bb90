package migrations

import (
	"embed"
	"sort"
	"strings"
)

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS

// Statements 按文件名顺序返回全部迁移语句。
func Statements() ([]string, error) {
	entries, err := Files.ReadDir(".")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	statements := make([]string, 0, len(names))
	for _, name := range names {
		data, err := Files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		stmt := strings.TrimSpace(string(data))
		if stmt == "" {
			continue
		}
		statements = append(statements, stmt)
	}
	return statements, nil
}
