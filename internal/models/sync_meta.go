package models

import "time"

// SyncMeta is carried by every cached server entity.
type SyncMeta struct {
	// LastSyncedAt is the epoch millis of the last successful pull.
	LastSyncedAt int64 `db:"last_synced_at" json:"-"`
	IsDeleted    bool  `db:"is_deleted" json:"-"`
}

// Meta gives generic stores access to the embedded sync metadata.
func (m *SyncMeta) Meta() *SyncMeta {
	return m
}

// LastSyncedTime returns LastSyncedAt as time.Time.
func (m *SyncMeta) LastSyncedTime() time.Time {
	return time.UnixMilli(m.LastSyncedAt)
}

// Lifecycle is the deletion state of a cached entity.
type Lifecycle string

const (
	LifecycleActive      Lifecycle = "active"
	LifecycleSoftDeleted Lifecycle = "soft_deleted"
)

// Lifecycle reports whether the row is visible or in the trash.
func (m *SyncMeta) Lifecycle() Lifecycle {
	if m.IsDeleted {
		return LifecycleSoftDeleted
	}
	return LifecycleActive
}

// NowMillis returns the current time in epoch millis.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
