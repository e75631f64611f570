package dbadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

// mongoAdapter dumps MongoDB via mongodump's archive mode and replays via
// mongorestore.
type mongoAdapter struct{}

type mongoConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	AuthDB   string `json:"authDatabase"`
	Database string `json:"database"` // empty dumps all databases
}

func (a *mongoAdapter) ID() string { return "mongo" }

func (c *mongoConfig) connArgs() []string {
	port := c.Port
	if port == 0 {
		port = 27017
	}
	args := []string{"--host", c.Host, "--port", strconv.Itoa(port)}
	if c.Username != "" {
		authDB := c.AuthDB
		if authDB == "" {
			authDB = "admin"
		}
		args = append(args, "--username", c.Username, "--password", c.Password,
			"--authenticationDatabase", authDB)
	}
	return args
}

func (a *mongoAdapter) Test(ctx context.Context, raw json.RawMessage) error {
	cfg, err := a.config(raw)
	if err != nil {
		return err
	}
	_, err = a.eval(ctx, cfg, "db.runCommand({ping: 1}).ok")
	return err
}

func (a *mongoAdapter) DetectVersion(ctx context.Context, raw json.RawMessage) (string, error) {
	cfg, err := a.config(raw)
	if err != nil {
		return "", err
	}
	out, err := a.eval(ctx, cfg, "db.version()")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (a *mongoAdapter) ListDatabases(ctx context.Context, raw json.RawMessage) ([]string, error) {
	cfg, err := a.config(raw)
	if err != nil {
		return nil, err
	}
	out, err := a.eval(ctx, cfg, `db.getMongo().getDBNames().join("\n")`)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line != "admin" && line != "local" && line != "config" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Dump produces a gzip archive. Archive mode keeps the dump in a single
// file, and the built-in gzip means the pipeline's compress stage is
// skipped for this adapter.
func (a *mongoAdapter) Dump(ctx context.Context, raw json.RawMessage, destPath string, progress ProgressFunc, log LogFunc) (*DumpResult, error) {
	cfg, err := a.config(raw)
	if err != nil {
		return nil, err
	}

	target := strings.TrimSuffix(destPath, ".sql") + ".archive.gz"
	args := append(cfg.connArgs(), "--archive="+target, "--gzip")
	set := DatabaseSet{All: true, Known: true}
	if cfg.Database != "" {
		args = append(args, "--db", cfg.Database)
		set = DatabaseSet{Count: 1, Known: true}
	}

	if progress != nil {
		progress(5)
	}
	if err := runTool(ctx, toolCmd{Tool: "mongodump", Args: args}, log); err != nil {
		return nil, err
	}
	if progress != nil {
		progress(100)
	}
	log("info", fmt.Sprintf("mongodump archive written (%s)", set.Label()))
	return &DumpResult{Path: target, Databases: set}, nil
}

func (a *mongoAdapter) Restore(ctx context.Context, raw json.RawMessage, localPath string, mapping RestoreMapping, log LogFunc) error {
	cfg, err := a.config(raw)
	if err != nil {
		return err
	}

	args := append(cfg.connArgs(), "--archive="+localPath, "--gzip", "--drop")
	// mongorestore expresses renames as namespace transforms.
	for original, target := range mapping {
		if !target.Selected {
			continue
		}
		args = append(args, "--nsInclude", original+".*")
		if target.TargetName != "" && target.TargetName != original {
			args = append(args,
				"--nsFrom", original+".*",
				"--nsTo", target.TargetName+".*",
			)
		}
	}
	return runTool(ctx, toolCmd{Tool: "mongorestore", Args: args}, log)
}

func (a *mongoAdapter) config(raw json.RawMessage) (*mongoConfig, error) {
	var cfg mongoConfig
	if err := parseConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		return nil, dkerr.New(dkerr.KindConfigInvalid, "mongodb source requires a host")
	}
	return &cfg, nil
}

func (a *mongoAdapter) eval(ctx context.Context, cfg *mongoConfig, script string) (string, error) {
	args := append(cfg.connArgs(), "--quiet", "--eval", script)
	return runToolOutput(ctx, toolCmd{Tool: "mongosh", Args: args}, nil)
}
