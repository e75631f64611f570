package dbadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

func TestPGDialectSelection(t *testing.T) {
	tests := []struct {
		version string
		major   int
	}{
		{"13.11", 13},
		{"14.9 (Debian 14.9-1)", 14},
		{"15.4", 15},
		{"16.2", 16},
		{"17.0", 17},
		{"12.15", 16}, // below supported range falls back
		{"18.0", 16},  // above supported range falls back
		{"", 16},
		{"garbage", 16},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.major, pgDialectFor(tc.version).major, "version %q", tc.version)
	}
}

func TestPGSingleDumpArgs(t *testing.T) {
	cfg := &postgresConfig{Host: "db.internal", Port: 5433, Username: "backup", Database: "app"}

	args := pgDialect{major: 16}.singleDumpArgs(cfg, "/tmp/app.dump")
	assert.Equal(t, []string{
		"--host", "db.internal", "--port", "5433", "--username", "backup",
		"--format", "custom", "--compress", "6", "--file", "/tmp/app.dump",
		"app",
	}, args)

	args = pgDialect{major: 14}.singleDumpArgs(cfg, "/tmp/app.dump")
	assert.Contains(t, args, "--no-sync")

	args = pgDialect{major: 17}.singleDumpArgs(cfg, "/tmp/app.dump")
	assert.Contains(t, args, "--encoding")
	assert.NotContains(t, args, "--no-sync")
}

func TestPGAllDumpArgsExcludes(t *testing.T) {
	cfg := &postgresConfig{Host: "db.internal", Username: "backup"}
	args := pgDialect{major: 15}.allDumpArgs(cfg, "/tmp/all.sql", []string{"staging", "scratch"})

	assert.Contains(t, args, "--no-sync")
	assert.Equal(t, "--exclude-database", args[len(args)-4])
	assert.Equal(t, "staging", args[len(args)-3])
	assert.Equal(t, "scratch", args[len(args)-1])
}

func TestMySQLDialectFlags(t *testing.T) {
	flags := mysqlDialectFor(familyMySQL, "8.0.36").dumpFlags()
	assert.Contains(t, flags, "--set-gtid-purged=OFF")
	assert.Contains(t, flags, "--column-statistics=0")

	flags = mysqlDialectFor(familyMySQL, "5.7.44").dumpFlags()
	assert.NotContains(t, flags, "--set-gtid-purged=OFF")
	assert.NotContains(t, flags, "--column-statistics=0")

	// the server banner wins over the configured family
	flags = mysqlDialectFor(familyMySQL, "11.4.2-MariaDB").dumpFlags()
	assert.NotContains(t, flags, "--set-gtid-purged=OFF")

	flags = mysqlDialectFor(familyMariaDB, "10.11.6-MariaDB").dumpFlags()
	assert.Equal(t, []string{"--single-transaction", "--routines", "--triggers"}, flags)
}

func TestDatabaseSetLabel(t *testing.T) {
	assert.Equal(t, "Single DB", DatabaseSet{Count: 1, Known: true}.Label())
	assert.Equal(t, "3 DBs", DatabaseSet{Count: 3, Known: true}.Label())
	assert.Equal(t, "All DBs", DatabaseSet{All: true, Known: true}.Label())
	assert.Equal(t, "Unknown", DatabaseSet{}.Label())
}

func TestRestoreMappingSingleTarget(t *testing.T) {
	assert.Equal(t, "", RestoreMapping{}.SingleTarget())
	assert.Equal(t, "prod_copy", RestoreMapping{
		"prod": {TargetName: "prod_copy", Selected: true},
		"logs": {TargetName: "logs", Selected: false},
	}.SingleTarget())
	assert.Equal(t, "", RestoreMapping{
		"a": {TargetName: "a", Selected: true},
		"b": {TargetName: "b", Selected: true},
	}.SingleTarget())
}

func TestRestoreMappingTargetNames(t *testing.T) {
	assert.Empty(t, RestoreMapping{}.TargetNames())
	assert.Equal(t, []string{"app2", "logs"}, RestoreMapping{
		"app":     {TargetName: "app2", Selected: true},
		"logs":    {Selected: true}, // no rename keeps the original name
		"scratch": {TargetName: "scratch_copy", Selected: false},
	}.TargetNames())
}

func TestClassifyAccess(t *testing.T) {
	denied := dkerr.WrapSubprocess(&dkerr.SubprocessError{
		Tool: "psql", ExitCode: 2,
		TailStderr: "FATAL: password authentication failed for user \"backup\"",
	})
	assert.Equal(t, dkerr.KindAuthDenied, dkerr.KindOf(classifyAccess(denied)))

	denied = dkerr.WrapSubprocess(&dkerr.SubprocessError{
		Tool: "mysql", ExitCode: 1,
		TailStderr: "ERROR 1044 (42000): Access denied for user 'backup'@'%' to database 'app2'",
	})
	assert.Equal(t, dkerr.KindAuthDenied, dkerr.KindOf(classifyAccess(denied)))

	plain := dkerr.WrapSubprocess(&dkerr.SubprocessError{
		Tool: "psql", ExitCode: 1, TailStderr: "ERROR: syntax error at or near \"CREATE\"",
	})
	assert.Equal(t, dkerr.KindSubprocessFailed, dkerr.KindOf(classifyAccess(plain)))
	assert.Nil(t, classifyAccess(nil))
}

func TestRegistryIDs(t *testing.T) {
	registry := NewRegistry()
	assert.Equal(t, []string{"mariadb", "mongo", "mssql", "mysql", "postgres"}, registry.IDs())
}
