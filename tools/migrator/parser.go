package migrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
	Checksum      string
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.*)$`)
)

// ParseMigration parses the content of a migration named filename.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	lines := strings.Split(string(content), "\n")

	upMarkerLine := -1
	noTransaction := false
	for i, line := range lines {
		m := upMarkerRegex.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		upMarkerLine = i
		noTransaction = strings.TrimSpace(m[1]) == "notransaction"
		break
	}

	if upMarkerLine < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	// Directives may only appear between the Up marker and the first statement
	var dependencies []int
	sqlStart := len(lines)
	for i := upMarkerLine + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		if m := dependsRegex.FindStringSubmatch(line); m != nil {
			fields := strings.Fields(m[1])
			if len(fields) == 0 {
				return nil, fmt.Errorf("empty dependency list in migration file: %s", filename)
			}
			for _, f := range fields {
				dep, err := strconv.Atoi(f)
				if err != nil {
					return nil, fmt.Errorf("invalid dependency version '%s' in migration file: %s", f, filename)
				}
				dependencies = append(dependencies, dep)
			}
			continue
		}

		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		sqlStart = i
		break
	}

	upSQL := ""
	if sqlStart < len(lines) {
		upSQL = strings.TrimSpace(strings.Join(lines[sqlStart:], "\n"))
	}
	if upSQL == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	sum := sha256.Sum256([]byte(upSQL))

	return &Migration{
		Version:       version,
		Name:          matches[2],
		UpSQL:         upSQL,
		NoTransaction: noTransaction,
		Dependencies:  dependencies,
		Checksum:      hex.EncodeToString(sum[:]),
	}, nil
}

// LoadMigrations reads every NNN_name.sql file in dir of fsys, validates the set
// and returns it sorted by version.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file: %w", err)
		}

		migration, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	if err := validateSet(migrations); err != nil {
		return nil, err
	}

	return migrations, nil
}

// validateSet checks for cycles, unknown dependencies, duplicates and gaps.
func validateSet(migrations []Migration) error {
	if err := detectCycle(migrations); err != nil {
		return err
	}

	versions := make(map[int]bool, len(migrations))
	for _, m := range migrations {
		versions[m.Version] = true
	}

	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versions[dep] {
				return fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
			if dep >= m.Version {
				return fmt.Errorf("migration %d depends on later version %d", m.Version, dep)
			}
		}
	}

	expected := 1
	for i, m := range migrations {
		if i > 0 && migrations[i-1].Version == m.Version {
			return fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		if m.Version != expected {
			return fmt.Errorf("gap in migration versions: expected %d, found %d", expected, m.Version)
		}
		expected++
	}

	return nil
}

// detectCycle uses a three-color DFS to find circular dependencies.
func detectCycle(migrations []Migration) error {
	const (
		white = iota
		gray
		black
	)

	graph := make(map[int][]int, len(migrations))
	color := make(map[int]int, len(migrations))
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
		color[m.Version] = white
	}

	var visit func(node int, trail []int) error
	visit = func(node int, trail []int) error {
		color[node] = gray
		trail = append(trail, node)
		for _, dep := range graph[node] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("circular dependency detected: %v", append(trail, dep))
			case white:
				if err := visit(dep, trail); err != nil {
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
