package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/soltixdb/statesync/internal/logging"
	"github.com/soltixdb/statesync/internal/models"
)

const snapshotSuffix = "Store.json"

// SnapshotScanner inspects the store root directory
type SnapshotScanner struct {
	rootDir string
	logger  *logging.Logger
}

// NewSnapshotScanner creates a new snapshot scanner
func NewSnapshotScanner(rootDir string, logger *logging.Logger) *SnapshotScanner {
	return &SnapshotScanner{
		rootDir: rootDir,
		logger:  logger,
	}
}

// ScanSnapshots lists the snapshot files of every store.
// Expected directory structure: {root}/{store}/{store}Store.json
func (s *SnapshotScanner) ScanSnapshots() ([]models.SnapshotInfo, error) {
	var snapshots []models.SnapshotInfo

	// Check if root directory exists
	if _, err := os.Stat(s.rootDir); os.IsNotExist(err) {
		s.logger.Info("Store root does not exist, creating", "store_root_dir", s.rootDir)
		if err := os.MkdirAll(s.rootDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store root: %w", err)
		}
		return snapshots, nil // Nothing persisted yet
	}

	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		store := entry.Name()
		path := filepath.Join(s.rootDir, store, store+snapshotSuffix)
		info, err := os.Stat(path)
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("Error accessing snapshot", "path", path, "error", err)
			}
			continue
		}

		snapshots = append(snapshots, models.SnapshotInfo{
			Store:      store,
			Path:       path,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
		s.logger.Debug("Discovered snapshot", "store", store, "size", info.Size())
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Store < snapshots[j].Store
	})

	return snapshots, nil
}

// GetDiskCapacity returns disk capacity information for the store root
func (s *SnapshotScanner) GetDiskCapacity() (*models.Capacity, error) {
	var stat syscall.Statfs_t

	err := syscall.Statfs(s.rootDir, &stat)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk stats: %w", err)
	}

	// Calculate disk space (in bytes)
	diskTotal := stat.Blocks * uint64(stat.Bsize)
	diskAvailable := stat.Bavail * uint64(stat.Bsize)
	diskUsed := diskTotal - diskAvailable

	return &models.Capacity{
		DiskTotal:     int64(diskTotal),
		DiskUsed:      int64(diskUsed),
		DiskAvailable: int64(diskAvailable),
	}, nil
}
