package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"

	"stemdeck/internal/config"
	"stemdeck/internal/deps"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFreeSpace verifies that the filesystem holding path has at least
// minMB mebibytes available.
func CheckFreeSpace(name, path string, minMB int64) Result {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", path, err)}
	}
	freeMB := int64(st.Bavail * uint64(st.Bsize) >> 20)
	if minMB > 0 && freeMB < minMB {
		return Result{Name: name, Detail: fmt.Sprintf("%d MiB free, extraction needs %d MiB", freeMB, minMB)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%d MiB free", freeMB)}
}

// CheckRedis verifies the broadcast Redis server answers PING.
func CheckRedis(ctx context.Context, addr, password string, db int) Result {
	const name = "Redis broadcast"

	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	defer client.Close()

	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(checkCtx).Err(); err != nil {
		return Result{Name: name, Detail: summarizeNetError(addr, err)}
	}
	return Result{Name: name, Passed: true, Detail: addr + " reachable"}
}

// CheckSystemDeps evaluates the external engines the configuration uses.
// Both the daemon and the CLI status command use this so the requirement
// list lives in one place.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	var requirements []deps.Requirement
	if cfg.Download.Mode == "command" {
		requirements = append(requirements, deps.Requirement{
			Name:        "Downloader",
			Command:     cfg.Download.Binary,
			Description: "Required for command-mode downloads",
		})
	}
	requirements = append(requirements, deps.Requirement{
		Name:        "Separation engine",
		Command:     cfg.Extraction.Binary,
		Description: "Required for extraction jobs",
	})
	if cfg.Analysis.Enabled {
		requirements = append(requirements, deps.Requirement{
			Name:        "Analysis engine",
			Command:     cfg.Analysis.Binary,
			Description: "Attaches metadata to finished downloads",
			Optional:    true,
		})
	}
	return deps.CheckBinaries(requirements)
}

func summarizeNetError(addr string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return addr + " timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return addr + " timed out"
	}
	return fmt.Sprintf("%s unreachable (%v)", addr, err)
}
