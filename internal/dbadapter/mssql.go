package dbadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
	"github.com/dumpkeep-io/dumpkeep/internal/storage"
)

// mssqlAdapter backs up SQL Server. BACKUP DATABASE always writes to the
// server's own filesystem, so when the server and the orchestrator share no
// filesystem the adapter moves the .bak over an SFTP side channel declared
// in the source config.
type mssqlAdapter struct{}

type mssqlConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`

	// RemoteTempDir is the directory on the server where .bak files land.
	RemoteTempDir string `json:"remoteTempDir"`

	// SideChannel, when set, downloads/uploads .bak files over SFTP. When
	// absent, RemoteTempDir must be a path visible to the orchestrator.
	SideChannel *storage.SFTPConfig `json:"sideChannel"`
}

func (a *mssqlAdapter) ID() string { return "mssql" }

func (c *mssqlConfig) connArgs() []string {
	server := c.Host
	if c.Port != 0 {
		server = fmt.Sprintf("%s,%d", c.Host, c.Port)
	}
	return []string{"-S", server, "-U", c.Username, "-C", "-b"}
}

func (c *mssqlConfig) env() []string {
	return []string{"SQLCMDPASSWORD=" + c.Password}
}

func (a *mssqlAdapter) Test(ctx context.Context, raw json.RawMessage) error {
	cfg, err := a.config(raw)
	if err != nil {
		return err
	}
	_, err = a.query(ctx, cfg, "SELECT 1")
	return err
}

func (a *mssqlAdapter) DetectVersion(ctx context.Context, raw json.RawMessage) (string, error) {
	cfg, err := a.config(raw)
	if err != nil {
		return "", err
	}
	out, err := a.query(ctx, cfg, "SELECT CAST(SERVERPROPERTY('ProductVersion') AS nvarchar(64))")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (a *mssqlAdapter) ListDatabases(ctx context.Context, raw json.RawMessage) ([]string, error) {
	cfg, err := a.config(raw)
	if err != nil {
		return nil, err
	}
	out, err := a.query(ctx, cfg, "SET NOCOUNT ON; SELECT name FROM sys.databases WHERE database_id > 4 ORDER BY name")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (a *mssqlAdapter) Dump(ctx context.Context, raw json.RawMessage, destPath string, progress ProgressFunc, log LogFunc) (*DumpResult, error) {
	cfg, err := a.config(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Database == "" {
		return nil, dkerr.New(dkerr.KindConfigInvalid, "mssql source requires a database")
	}

	target := strings.TrimSuffix(destPath, ".sql") + ".bak"
	remoteBak := path.Join(cfg.RemoteTempDir, path.Base(target))

	if progress != nil {
		progress(5)
	}
	backup := fmt.Sprintf(
		"BACKUP DATABASE [%s] TO DISK = N'%s' WITH INIT, COMPRESSION",
		cfg.Database, remoteBak,
	)
	if err := runTool(ctx, toolCmd{
		Tool: "sqlcmd",
		Args: append(cfg.connArgs(), "-Q", backup),
		Env:  cfg.env(),
	}, log); err != nil {
		return nil, err
	}
	log("info", fmt.Sprintf("server-side backup written to %s", remoteBak))
	if progress != nil {
		progress(60)
	}

	if cfg.SideChannel != nil {
		if err := a.fetchBak(cfg, remoteBak, target, log); err != nil {
			return nil, err
		}
	} else if remoteBak != target {
		// Shared filesystem: the server path is directly readable.
		target = remoteBak
	}

	if progress != nil {
		progress(100)
	}
	return &DumpResult{Path: target, Databases: DatabaseSet{Count: 1, Known: true}}, nil
}

func (a *mssqlAdapter) Restore(ctx context.Context, raw json.RawMessage, localPath string, mapping RestoreMapping, log LogFunc) error {
	cfg, err := a.config(raw)
	if err != nil {
		return err
	}
	database := cfg.Database
	if target := mapping.SingleTarget(); target != "" {
		database = target
	}
	if database == "" {
		return dkerr.New(dkerr.KindConfigInvalid, "mssql restore requires a target database")
	}

	remoteBak := path.Join(cfg.RemoteTempDir, path.Base(localPath))
	if cfg.SideChannel != nil {
		if err := a.pushBak(cfg, localPath, remoteBak, log); err != nil {
			return err
		}
	} else {
		remoteBak = localPath
	}

	restore := fmt.Sprintf(
		"RESTORE DATABASE [%s] FROM DISK = N'%s' WITH REPLACE",
		database, remoteBak,
	)
	return runTool(ctx, toolCmd{
		Tool: "sqlcmd",
		Args: append(cfg.connArgs(), "-Q", restore),
		Env:  cfg.env(),
	}, log)
}

// fetchBak downloads the server-side .bak over SFTP and removes the remote
// copy afterwards.
func (a *mssqlAdapter) fetchBak(cfg *mssqlConfig, remoteBak, localPath string, log LogFunc) error {
	client, sshClient, err := storage.DialSFTP(*cfg.SideChannel)
	if err != nil {
		return err
	}
	defer sshClient.Close()
	defer client.Close()

	src, err := client.Open(remoteBak)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "open remote backup")
	}
	defer src.Close()

	if err := copyToFile(src, localPath); err != nil {
		return err
	}
	log("info", "backup transferred through sftp side channel")

	if err := client.Remove(remoteBak); err != nil {
		log("warn", fmt.Sprintf("could not remove server-side backup %s: %v", remoteBak, err))
	}
	return nil
}

func (a *mssqlAdapter) pushBak(cfg *mssqlConfig, localPath, remoteBak string, log LogFunc) error {
	client, sshClient, err := storage.DialSFTP(*cfg.SideChannel)
	if err != nil {
		return err
	}
	defer sshClient.Close()
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remoteBak)); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create remote directory")
	}
	dst, err := client.Create(remoteBak)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create remote backup")
	}
	defer dst.Close()

	if err := copyFromFile(localPath, dst); err != nil {
		return err
	}
	log("info", "backup staged on server through sftp side channel")
	return nil
}

func (a *mssqlAdapter) config(raw json.RawMessage) (*mssqlConfig, error) {
	var cfg mssqlConfig
	if err := parseConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Host == "" || cfg.Username == "" {
		return nil, dkerr.New(dkerr.KindConfigInvalid, "mssql source requires host and username")
	}
	if cfg.RemoteTempDir == "" {
		return nil, dkerr.New(dkerr.KindConfigInvalid, "mssql source requires remoteTempDir")
	}
	return &cfg, nil
}

func (a *mssqlAdapter) query(ctx context.Context, cfg *mssqlConfig, sql string) (string, error) {
	args := append(cfg.connArgs(), "-h", "-1", "-W", "-Q", sql)
	return runToolOutput(ctx, toolCmd{Tool: "sqlcmd", Args: args, Env: cfg.env()}, nil)
}
