// Package migrations embeds the payment ledger schema.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Migration 是一个按版本排序的 SQL 文件，Statements 已按分号拆分。
type Migration struct {
	Version    string
	Name       string
	Statements []string
}

// Load 读取内嵌的迁移文件，按版本升序返回，空文件被跳过。
func Load() ([]Migration, error) {
	return load(files)
}

func load(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := split(string(content))
		if len(statements) == 0 {
			continue
		}
		out = append(out, Migration{Version: version(name), Name: name, Statements: statements})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Version == out[j].Version {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// split 不处理字符串字面量中的分号，迁移文件里不要出现。
func split(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

// version 取文件名中第一个下划线或点之前的前缀，如 0001_payments.sql -> 0001。
func version(name string) string {
	if idx := strings.IndexAny(name, "_."); idx > 0 {
		return name[:idx]
	}
	return name
}
