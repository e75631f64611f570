// Package dbadapter implements the source database adapters. An adapter
// wraps the native dump and restore tooling of one database family
// (pg_dump, mysqldump, mongodump, sqlcmd) behind a uniform contract: test
// connectivity, enumerate databases, produce a dump artifact, and replay
// one.
//
// All adapters shell out to the vendor tools rather than reimplementing
// wire protocols. The tools are invoked with explicit argv (no shell),
// a sanitized environment, and credentials passed via environment
// variables where the tool supports it.
package dbadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

// LogFunc receives human-readable progress lines from an adapter. Level is
// one of debug, info, warn, error.
type LogFunc func(level, msg string)

// ProgressFunc receives dump/restore progress in [0,100]. Adapters that
// cannot estimate progress report coarse milestones.
type ProgressFunc func(percent float64)

// DatabaseSet describes how many databases a dump covers. Known is false
// when the adapter could not tell (for example a pre-existing archive).
type DatabaseSet struct {
	Count int
	All   bool
	Known bool
}

// Label renders the set for execution metadata.
func (s DatabaseSet) Label() string {
	switch {
	case !s.Known:
		return "Unknown"
	case s.All:
		return "All DBs"
	case s.Count == 1:
		return "Single DB"
	default:
		return fmt.Sprintf("%d DBs", s.Count)
	}
}

// DumpResult is returned by a successful Dump. Path may differ from the
// requested destination when the tool appends its own extension.
type DumpResult struct {
	Path      string
	Databases DatabaseSet
}

// RestoreTarget maps one database from a multi-database dump onto a target
// name. Unselected databases are dropped from the replayed stream.
type RestoreTarget struct {
	TargetName string `json:"targetName"`
	Selected   bool   `json:"selected"`
}

// RestoreMapping keys original database names to their targets.
type RestoreMapping map[string]RestoreTarget

// TargetNames returns every selected target name, sorted. A mapping entry
// without a rename keeps its original name.
func (m RestoreMapping) TargetNames() []string {
	var names []string
	for original, t := range m {
		if !t.Selected {
			continue
		}
		name := t.TargetName
		if name == "" {
			name = original
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SingleTarget returns the sole selected target name when exactly one
// mapping entry is selected, and "" otherwise.
func (m RestoreMapping) SingleTarget() string {
	var target string
	count := 0
	for _, t := range m {
		if t.Selected {
			count++
			target = t.TargetName
		}
	}
	if count == 1 {
		return target
	}
	return ""
}

// Adapter is implemented once per database family.
type Adapter interface {
	ID() string

	// Test verifies connectivity and credentials without side effects.
	Test(ctx context.Context, config json.RawMessage) error

	// DetectVersion returns the server version string, used for dialect
	// selection and shown in the UI.
	DetectVersion(ctx context.Context, config json.RawMessage) (string, error)

	// ListDatabases enumerates user databases on the server.
	ListDatabases(ctx context.Context, config json.RawMessage) ([]string, error)

	// Dump writes a dump artifact to destPath.
	Dump(ctx context.Context, config json.RawMessage, destPath string, progress ProgressFunc, log LogFunc) (*DumpResult, error)

	// Restore replays the artifact at localPath into the server.
	Restore(ctx context.Context, config json.RawMessage, localPath string, mapping RestoreMapping, log LogFunc) error
}

// TargetPreparer is implemented by adapters whose replay tools require the
// target databases to exist before the stream is replayed (postgres, mysql).
// Families whose tools create targets implicitly (mongo, mssql) do not
// implement it.
type TargetPreparer interface {
	// PrepareRestore probes the server and creates any missing selected
	// target databases. Access failures surface as AuthDenied.
	PrepareRestore(ctx context.Context, config json.RawMessage, mapping RestoreMapping, log LogFunc) error
}

// Registry maps adapter ids to implementations.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns a registry with every built-in adapter registered.
func NewRegistry() *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range []Adapter{
		&postgresAdapter{},
		&mysqlAdapter{family: familyMySQL},
		&mysqlAdapter{family: familyMariaDB},
		&mongoAdapter{},
		&mssqlAdapter{},
	} {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, dkerr.New(dkerr.KindConfigInvalid, "unknown database adapter %q", id)
	}
	return a, nil
}

// IDs returns the registered adapter ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func parseConfig(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return dkerr.Wrap(dkerr.KindConfigInvalid, err, "malformed adapter config")
	}
	return nil
}
