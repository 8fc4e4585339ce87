package migrate

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

var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one versioned schema change with its optional rollback.
type Migration struct {
	Version  int
	Name     string
	Up       string
	Down     string
	Checksum string
}

func (m Migration) String() string { return fmt.Sprintf("%04d_%s", m.Version, m.Name) }

// Seed is a data file applied once after the schema is current.
type Seed struct {
	Name     string
	SQL      string
	Checksum string
}

func checksum(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

// LoadMigrations reads NNNN_name.up.sql / NNNN_name.down.sql pairs from fsys
// and returns them ordered by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	byVersion := map[int]*Migration{}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		base := path.Base(p)
		if !strings.HasSuffix(base, ".sql") {
			return nil
		}
		match := migrationName.FindStringSubmatch(base)
		if match == nil {
			return fmt.Errorf("migration %s: name must look like 0001_name.up.sql", base)
		}
		version, _ := strconv.Atoi(match[1])
		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: match[2]}
			byVersion[version] = mig
		}
		if mig.Name != match[2] {
			return fmt.Errorf("migration version %d used by both %s and %s", version, mig.Name, match[2])
		}
		if match[3] == "up" {
			mig.Up = string(body)
			mig.Checksum = checksum(mig.Up)
		} else {
			mig.Down = string(body)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.Up == "" {
			return nil, fmt.Errorf("migration %s has no up script", mig)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// LoadSeeds reads every .sql file of fsys ordered by name.
func LoadSeeds(fsys fs.FS) ([]Seed, error) {
	if fsys == nil {
		return nil, nil
	}
	var seeds []Seed
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".sql") {
			return err
		}
		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		seeds = append(seeds, Seed{Name: path.Base(p), SQL: string(body), Checksum: checksum(string(body))})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].Name < seeds[j].Name })
	return seeds, nil
}

// splitStatements cuts a script on semicolons outside quoted strings and
// drops -- comments.
func splitStatements(script string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" && s != ";" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case c == '\'':
			inString = !inString
			current.WriteByte(c)
		case !inString && c == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			current.WriteByte('\n')
		case !inString && c == ';':
			current.WriteByte(c)
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return stmts
}
