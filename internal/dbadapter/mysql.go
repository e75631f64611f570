package dbadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

const (
	familyMySQL   = "mysql"
	familyMariaDB = "mariadb"
)

// mysqlAdapter covers both MySQL and MariaDB. The two families share the
// wire tools but diverge in dump flags, so one adapter instance is
// registered per family id.
type mysqlAdapter struct {
	family string
}

type mysqlConfig struct {
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Database  string   `json:"database"`
	Databases []string `json:"databases"`
}

// systemSchemas are excluded from listings and all-database dumps.
var systemSchemas = map[string]bool{
	"information_schema": true,
	"performance_schema": true,
	"mysql":              true,
	"sys":                true,
}

func (a *mysqlAdapter) ID() string { return a.family }

func (c *mysqlConfig) connArgs() []string {
	port := c.Port
	if port == 0 {
		port = 3306
	}
	return []string{"--host", c.Host, "--port", strconv.Itoa(port), "--user", c.Username}
}

// env passes the password out of argv so it never shows up in a process
// listing.
func (c *mysqlConfig) env() []string {
	return []string{"MYSQL_PWD=" + c.Password}
}

// dumpBinary picks the family-matching dump tool, falling back to whichever
// is installed. MariaDB distributions ship mariadb-dump with a mysqldump
// symlink; mixed hosts can carry both.
func (a *mysqlAdapter) dumpBinary() (string, error) {
	if a.family == familyMariaDB {
		return findBinary("mariadb-dump", "mysqldump")
	}
	return findBinary("mysqldump", "mariadb-dump")
}

func (a *mysqlAdapter) clientBinary() (string, error) {
	if a.family == familyMariaDB {
		return findBinary("mariadb", "mysql")
	}
	return findBinary("mysql", "mariadb")
}

// mysqlDialect shapes version-sensitive dump flags.
type mysqlDialect struct {
	family string
	major  int
	minor  int
}

func mysqlDialectFor(family, detectedVersion string) mysqlDialect {
	d := mysqlDialect{family: family, major: 8}
	if strings.Contains(strings.ToLower(detectedVersion), "mariadb") {
		d.family = familyMariaDB
	}
	parts := strings.SplitN(strings.TrimSpace(detectedVersion), ".", 3)
	if len(parts) >= 2 {
		if major, err := strconv.Atoi(parts[0]); err == nil {
			d.major = major
		}
		if minor, err := strconv.Atoi(parts[1]); err == nil {
			d.minor = minor
		}
	}
	return d
}

// dumpFlags returns the dialect's default mysqldump/mariadb-dump flags.
//   - MySQL 8 dumps carry GTID state by default, which breaks replay on
//     non-replicated targets, so it is turned off.
//   - column-statistics only exists on the MySQL 8 client and errors out
//     against 5.7 servers.
//   - MariaDB understands neither flag.
func (d mysqlDialect) dumpFlags() []string {
	flags := []string{"--single-transaction", "--routines", "--triggers"}
	if d.family == familyMariaDB {
		return flags
	}
	if d.major >= 8 {
		flags = append(flags, "--set-gtid-purged=OFF", "--column-statistics=0")
	}
	return flags
}

func (a *mysqlAdapter) Test(ctx context.Context, raw json.RawMessage) error {
	cfg, err := a.config(raw)
	if err != nil {
		return err
	}
	_, err = a.query(ctx, cfg, "SELECT 1")
	return err
}

func (a *mysqlAdapter) DetectVersion(ctx context.Context, raw json.RawMessage) (string, error) {
	cfg, err := a.config(raw)
	if err != nil {
		return "", err
	}
	out, err := a.query(ctx, cfg, "SELECT VERSION()")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (a *mysqlAdapter) ListDatabases(ctx context.Context, raw json.RawMessage) ([]string, error) {
	cfg, err := a.config(raw)
	if err != nil {
		return nil, err
	}
	out, err := a.query(ctx, cfg, "SHOW DATABASES")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !systemSchemas[line] {
			names = append(names, line)
		}
	}
	return names, nil
}

func (a *mysqlAdapter) Dump(ctx context.Context, raw json.RawMessage, destPath string, progress ProgressFunc, log LogFunc) (*DumpResult, error) {
	cfg, err := a.config(raw)
	if err != nil {
		return nil, err
	}
	binary, err := a.dumpBinary()
	if err != nil {
		return nil, err
	}

	version, err := a.DetectVersion(ctx, raw)
	if err != nil {
		return nil, err
	}
	dialect := mysqlDialectFor(a.family, version)
	log("info", fmt.Sprintf("%s server version %s", a.family, version))

	args := append(cfg.connArgs(), dialect.dumpFlags()...)
	var set DatabaseSet
	switch {
	case cfg.Database != "":
		args = append(args, cfg.Database)
		set = DatabaseSet{Count: 1, Known: true}
	case len(cfg.Databases) > 0:
		args = append(args, "--databases")
		args = append(args, cfg.Databases...)
		set = DatabaseSet{Count: len(cfg.Databases), Known: true}
	default:
		args = append(args, "--all-databases")
		set = DatabaseSet{All: true, Known: true}
	}

	out, err := os.Create(destPath)
	if err != nil {
		return nil, dkerr.Wrap(dkerr.KindStreamIO, err, "create dump file")
	}
	defer out.Close()

	if progress != nil {
		progress(5)
	}
	if err := runTool(ctx, toolCmd{Tool: binary, Args: args, Env: cfg.env(), Stdout: out}, log); err != nil {
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, dkerr.Wrap(dkerr.KindStreamIO, err, "flush dump file")
	}
	if progress != nil {
		progress(100)
	}
	return &DumpResult{Path: destPath, Databases: set}, nil
}

// PrepareRestore creates the selected target databases up front. IF NOT
// EXISTS keeps it idempotent; multi-database dumps carry their own CREATE
// DATABASE headers, but a renamed target never appears in the dump.
func (a *mysqlAdapter) PrepareRestore(ctx context.Context, raw json.RawMessage, mapping RestoreMapping, log LogFunc) error {
	cfg, err := a.config(raw)
	if err != nil {
		return err
	}

	targets := mapping.TargetNames()
	if len(targets) == 0 && cfg.Database != "" {
		targets = []string{cfg.Database}
	}
	for _, name := range targets {
		log("info", "ensuring database "+name+" exists")
		quoted := "`" + strings.ReplaceAll(name, "`", "``") + "`"
		if _, err := a.query(ctx, cfg, "CREATE DATABASE IF NOT EXISTS "+quoted); err != nil {
			return classifyAccess(err)
		}
	}
	return nil
}

// Restore replays a SQL dump. Multi-database dumps are rewritten line-wise
// according to mapping: sections for unselected databases are dropped and
// USE/CREATE DATABASE headers are renamed. With exactly one selected target
// the client is invoked with that database pre-selected and all switching
// statements are stripped.
func (a *mysqlAdapter) Restore(ctx context.Context, raw json.RawMessage, localPath string, mapping RestoreMapping, log LogFunc) error {
	cfg, err := a.config(raw)
	if err != nil {
		return err
	}
	binary, err := a.clientBinary()
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "open dump")
	}
	defer f.Close()

	args := cfg.connArgs()
	singleTarget := mapping.SingleTarget()
	if singleTarget == "" && cfg.Database != "" {
		singleTarget = cfg.Database
	}
	if singleTarget != "" {
		args = append(args, singleTarget)
	}

	if len(mapping) == 0 && singleTarget == "" {
		return runTool(ctx, toolCmd{Tool: binary, Args: args, Env: cfg.env(), Stdin: f}, log)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(RewriteSQLStream(f, pw, mapping, singleTarget != ""))
	}()
	return runTool(ctx, toolCmd{Tool: binary, Args: args, Env: cfg.env(), Stdin: pr}, log)
}

func (a *mysqlAdapter) config(raw json.RawMessage) (*mysqlConfig, error) {
	var cfg mysqlConfig
	if err := parseConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Host == "" || cfg.Username == "" {
		return nil, dkerr.New(dkerr.KindConfigInvalid, "%s source requires host and username", a.family)
	}
	return &cfg, nil
}

func (a *mysqlAdapter) query(ctx context.Context, cfg *mysqlConfig, sql string) (string, error) {
	binary, err := a.clientBinary()
	if err != nil {
		return "", err
	}
	args := append(cfg.connArgs(), "--batch", "--skip-column-names", "--execute", sql)
	return runToolOutput(ctx, toolCmd{Tool: binary, Args: args, Env: cfg.env()}, nil)
}
