package models

import "time"

// WorkerInfo is the presence record a worker advertises in the membership registry
type WorkerInfo struct {
	ID        string         `json:"id"`
	ClusterID string         `json:"cluster_id"`
	Status    string         `json:"status"`  // active, stopping
	Version   string         `json:"version"` // software version
	Stores    []string       `json:"stores"`  // synchronized stores served by this worker
	Snapshots []SnapshotInfo `json:"snapshots,omitempty"`
	Capacity  Capacity       `json:"capacity"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SnapshotInfo describes one snapshot file found under the store root
type SnapshotInfo struct {
	Store      string    `json:"store"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Capacity represents disk capacity of the store root volume
type Capacity struct {
	DiskTotal     int64 `json:"disk_total"`
	DiskUsed      int64 `json:"disk_used"`
	DiskAvailable int64 `json:"disk_available"`
}
