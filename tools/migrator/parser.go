package migrator

import (
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration is one versioned schema change
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.*)$`)
)

// ParseMigration parses the content of a file named NNN_name.sql.
// The body starts after a "-- +migrate Up" marker, optionally followed by
// "-- +migrate Depends: N M" lines.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}
	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	m := &Migration{Version: version, Name: matches[2]}
	lines := strings.Split(string(content), "\n")

	start := -1
	for i, line := range lines {
		if um := upMarkerRegex.FindStringSubmatch(strings.TrimSpace(line)); um != nil {
			m.NoTransaction = strings.TrimSpace(um[1]) == "notransaction"
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	var body []string
	for i := start; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		dm := dependsRegex.FindStringSubmatch(line)
		if dm == nil {
			body = append(body, lines[i])
			continue
		}
		deps := strings.Fields(dm[1])
		if len(deps) == 0 {
			return nil, fmt.Errorf("empty dependency list in migration file: %s", filename)
		}
		for _, d := range deps {
			dep, err := strconv.Atoi(d)
			if err != nil {
				return nil, fmt.Errorf("invalid dependency version '%s' in migration file: %s", d, filename)
			}
			m.Dependencies = append(m.Dependencies, dep)
		}
	}

	m.UpSQL = strings.TrimSpace(strings.Join(body, "\n"))
	if m.UpSQL == "" || onlyComments(m.UpSQL) {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}
	return m, nil
}

func onlyComments(sql string) bool {
	for _, line := range strings.Split(sql, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

// LoadMigrations reads every NNN_name.sql file at the root of fsys.
// Versions must run 1..N without gaps and dependencies must exist and be acyclic.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}
		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file: %w", err)
		}
		m, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	if err := detectCycle(migrations); err != nil {
		return nil, err
	}

	known := make(map[int]bool, len(migrations))
	for i, m := range migrations {
		if known[m.Version] {
			return nil, fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		if m.Version != i+1 {
			return nil, fmt.Errorf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
		known[m.Version] = true
	}
	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !known[dep] {
				return nil, fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	return migrations, nil
}

// detectCycle runs a three-color DFS over the dependency graph
func detectCycle(migrations []Migration) error {
	graph := make(map[int][]int, len(migrations))
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[int]int, len(migrations))

	var visit func(node int, path []int) error
	visit = func(node int, path []int) error {
		color[node] = gray
		path = append(path, node)
		for _, dep := range graph[node] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("circular dependency detected: %v", append(path, dep))
			case white:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		color[node] = black
		return nil
	}

	for _, m := range migrations {
		if color[m.Version] == white {
			if err := visit(m.Version, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
