// Package dbdump implements the Database Dumper (C5): per-flavor
// in-container dump protocols run through the Runtime Adapter, with
// output captured and gzip-compressed to the host.
package dbdump

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/log"
	"github.com/cuemby/vaultkeeper/pkg/runtime"
	"github.com/cuemby/vaultkeeper/pkg/types"
)

// DumpTimeout bounds a single database dump's in-container exec.
const DumpTimeout = 30 * time.Minute

// injectionBlacklist matches the shell metacharacters spec.md §4.5
// forbids in any value interpolated into a dump command.
var injectionBlacklist = regexp.MustCompile("[;&|`$><]")

// ValidateShellArg rejects a value that could break out of a dump
// command's argument list.
func ValidateShellArg(v string) error {
	if injectionBlacklist.MatchString(v) {
		return fmt.Errorf("%w: value contains disallowed shell metacharacters", types.ErrInvalidCredentialInput)
	}
	return nil
}

// ValidatePort checks that port, if set, is a valid decimal TCP port.
func ValidatePort(port int) error {
	if port != 0 && (port < 1 || port > 65535) {
		return fmt.Errorf("%w: port %d out of range", types.ErrInvalidCredentialInput, port)
	}
	return nil
}

// Dump runs the flavor-appropriate dump protocol for container against
// creds, writing a gzip-compressed result to outPath.
func Dump(ctx context.Context, rt runtime.ContainerRuntime, container types.Container, dbType types.DatabaseType, creds types.Credentials, outPath string) error {
	logger := log.WithComponent("dbdump").With().Str("container", container.Name).Logger()

	if err := validateCredentials(creds); err != nil {
		return err
	}

	var (
		output []byte
		err    error
	)

	switch dbType {
	case types.DatabasePostgres:
		output, err = dumpPostgres(ctx, rt, container.ID, creds)
	case types.DatabaseMySQL, types.DatabaseMariaDB:
		output, err = dumpMySQL(ctx, rt, container.ID, creds)
	case types.DatabaseMongoDB:
		output, err = dumpMongo(ctx, rt, container.ID, creds)
	case types.DatabaseRedis:
		output, err = dumpRedis(ctx, rt, container.ID, creds)
	case types.DatabaseSQLite:
		output, err = dumpSQLite(ctx, rt, container.ID)
	default:
		return fmt.Errorf("%w: unsupported database type %q", types.ErrInvalidCredentialInput, dbType)
	}
	if err != nil {
		return err
	}

	logger.Info().Str("db_type", string(dbType)).Int("bytes", len(output)).Msg("database dump captured")
	return writeGzipped(output, outPath)
}

func validateCredentials(creds types.Credentials) error {
	for _, v := range []string{creds.User, creds.Password, creds.Database, creds.Host} {
		if v == "" {
			continue
		}
		if err := ValidateShellArg(v); err != nil {
			return err
		}
	}
	return ValidatePort(creds.Port)
}

func dumpPostgres(ctx context.Context, rt runtime.ContainerRuntime, id string, creds types.Credentials) ([]byte, error) {
	if creds.User == "" || creds.Database == "" {
		return nil, fmt.Errorf("%w: postgres dump requires user and database", types.ErrInvalidCredentialInput)
	}
	cmd := []string{"pg_dump", "-U", creds.User}
	if creds.Host != "" {
		cmd = append(cmd, "-h", creds.Host)
	}
	if creds.Port != 0 {
		cmd = append(cmd, "-p", strconv.Itoa(creds.Port))
	}
	cmd = append(cmd, creds.Database)

	env := []string{}
	if creds.Password != "" {
		env = append(env, "PGPASSWORD="+creds.Password)
	}

	return execCapture(ctx, rt, id, cmd, env)
}

func dumpMySQL(ctx context.Context, rt runtime.ContainerRuntime, id string, creds types.Credentials) ([]byte, error) {
	user := creds.User
	if user == "" {
		user = "root"
	}
	cmd := []string{"mysqldump", "-u", user}
	if creds.Host != "" {
		cmd = append(cmd, "-h", creds.Host)
	}
	if creds.Port != 0 {
		cmd = append(cmd, "-P", strconv.Itoa(creds.Port))
	}
	if creds.Database != "" {
		cmd = append(cmd, creds.Database)
	} else {
		cmd = append(cmd, "--all-databases")
	}
	cmd = append(cmd, "--single-transaction", "--quick", "--lock-tables=false")

	env := []string{}
	if creds.Password != "" {
		env = append(env, "MYSQL_PWD="+creds.Password)
	}

	return execCapture(ctx, rt, id, cmd, env)
}

func dumpMongo(ctx context.Context, rt runtime.ContainerRuntime, id string, creds types.Credentials) ([]byte, error) {
	const containerTmp = "/tmp/vaultkeeper-mongodump"
	cmd := []string{"mongodump", "--out=" + containerTmp}
	if creds.User != "" {
		cmd = append(cmd, "--username="+creds.User)
		if creds.Database != "" {
			cmd = append(cmd, "--authenticationDatabase="+creds.Database)
		}
	}
	if creds.Host != "" {
		cmd = append(cmd, "--host="+creds.Host)
	}
	if creds.Port != 0 {
		cmd = append(cmd, "--port="+strconv.Itoa(creds.Port))
	}
	if creds.Database != "" {
		cmd = append(cmd, "--db="+creds.Database)
	}

	env := []string{}
	if creds.Password != "" {
		env = append(env, "MONGO_PASSWORD="+creds.Password)
	}

	if _, err := execCapture(ctx, rt, id, cmd, env); err != nil {
		return nil, err
	}

	return streamArchiveCapture(ctx, rt, id, containerTmp)
}

func dumpRedis(ctx context.Context, rt runtime.ContainerRuntime, id string, creds types.Credentials) ([]byte, error) {
	const rdbPath = "/data/dump.rdb"

	checkCode, _, err := rt.Exec(ctx, id, []string{"test", "-f", rdbPath}, nil, 10*time.Second)
	if err == nil && checkCode == 0 {
		return streamArchiveCapture(ctx, rt, id, rdbPath)
	}

	tmp := "/tmp/vaultkeeper-dump.rdb"
	cmd := []string{"redis-cli", "--rdb", tmp}
	env := []string{}
	if creds.Password != "" {
		env = append(env, "REDISCLI_AUTH="+creds.Password)
	}
	if _, err := execCapture(ctx, rt, id, cmd, env); err != nil {
		return nil, err
	}

	return streamArchiveCapture(ctx, rt, id, tmp)
}

// sqliteSearchRoots are the conservative path roots scanned for
// candidate database files, per spec.md §4.5.
var sqliteSearchRoots = []string{"/config", "/data", "/app/data", "/var/lib", "/opt", "/usr/local"}

var sqliteNamePattern = regexp.MustCompile(`(?i)\.(sqlite3?|db)$`)

func dumpSQLite(ctx context.Context, rt runtime.ContainerRuntime, id string) ([]byte, error) {
	dbPath, err := findSQLiteFile(ctx, rt, id)
	if err != nil {
		return nil, err
	}

	hasTool, _, err := rt.Exec(ctx, id, []string{"which", "sqlite3"}, nil, 10*time.Second)
	if err == nil && hasTool == 0 {
		tmp := "/tmp/vaultkeeper-backup.db"
		dumpCmd := fmt.Sprintf("sqlite3 %s .dump | sqlite3 %s", dbPath, tmp)
		if _, err := execCapture(ctx, rt, id, []string{"sh", "-c", dumpCmd}, nil); err != nil {
			return nil, err
		}
		return streamArchiveCapture(ctx, rt, id, tmp)
	}

	// Best-effort hot copy of the raw file.
	return streamArchiveCapture(ctx, rt, id, dbPath)
}

func findSQLiteFile(ctx context.Context, rt runtime.ContainerRuntime, id string) (string, error) {
	for _, root := range sqliteSearchRoots {
		cmd := []string{"find", root, "-maxdepth", "4",
			"(", "-iname", "*.sqlite", "-o", "-iname", "*.db", "-o", "-iname", "*.sqlite3", ")"}
		code, output, err := rt.Exec(ctx, id, cmd, nil, 20*time.Second)
		if err != nil || code != 0 {
			continue
		}
		for _, line := range strings.Split(string(output), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && sqliteNamePattern.MatchString(line) {
				return line, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no sqlite database file found under known roots", types.ErrInvalidCredentialInput)
}

// DetectFlavor infers a database type from an image reference when the
// service config leaves the type unset, per spec.md §4.5's ordered
// substring match.
func DetectFlavor(image string) types.DatabaseType {
	lower := strings.ToLower(image)
	switch {
	case strings.Contains(lower, "postgres"), strings.Contains(lower, "pgvecto"):
		return types.DatabasePostgres
	case strings.Contains(lower, "mysql"), strings.Contains(lower, "mariadb"):
		return types.DatabaseMySQL
	case strings.Contains(lower, "mongo"):
		return types.DatabaseMongoDB
	case strings.Contains(lower, "redis"):
		return types.DatabaseRedis
	case strings.Contains(lower, "sqlite"):
		return types.DatabaseSQLite
	default:
		return types.DatabaseNone
	}
}

// DetectFlavorWithProbe is DetectFlavor plus spec.md §4.5's mandatory
// final fallback: when the image matches no known flavor, it probes
// the container for a .sqlite/.db/.sqlite3 file under the known search
// roots and defaults to sqlite if one is found, mirroring
// original_source/database_backup.py's find-then-default behavior.
func DetectFlavorWithProbe(ctx context.Context, rt runtime.ContainerRuntime, id, image string) types.DatabaseType {
	if flavor := DetectFlavor(image); flavor != types.DatabaseNone {
		return flavor
	}
	if _, err := findSQLiteFile(ctx, rt, id); err == nil {
		return types.DatabaseSQLite
	}
	return types.DatabaseNone
}

func execCapture(ctx context.Context, rt runtime.ContainerRuntime, id string, cmd []string, env []string) ([]byte, error) {
	code, output, err := rt.Exec(ctx, id, cmd, env, DumpTimeout)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, &types.CommandFailedError{ExitCode: code, Output: output}
	}
	return output, nil
}

func streamArchiveCapture(ctx context.Context, rt runtime.ContainerRuntime, id, path string) ([]byte, error) {
	rc, err := rt.StreamArchive(ctx, id, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func writeGzipped(data []byte, outPath string) (err error) {
	tmpPath := outPath + ".tmp"
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrArchiveWrite, err)
	}

	gw := gzip.NewWriter(f)
	if _, werr := gw.Write(data); werr != nil {
		gw.Close()
		f.Close()
		return fmt.Errorf("%w: %v", types.ErrArchiveWrite, werr)
	}
	if werr := gw.Close(); werr != nil {
		f.Close()
		return fmt.Errorf("%w: %v", types.ErrArchiveWrite, werr)
	}
	if werr := f.Close(); werr != nil {
		return fmt.Errorf("%w: %v", types.ErrArchiveWrite, werr)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("%w: %v", types.ErrArchiveWrite, err)
	}
	return nil
}
