package workspace

import (
	"context"
	"time"
)

// Workspace is the host-side storage root backing one worker's capability
// filesystem (language data cache and anything written through FS jobs).
type Workspace struct {
	Name string
	Dir  string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedFiles int
	DeletedDirs  int
	FreedBytes   int64
}

// Manager governs the storage roots handed to workers.
type Manager interface {
	// Create returns the workspace for name, creating it if needed. Workers
	// reuse their cache across restarts, so Create is idempotent.
	Create(ctx context.Context, name string) (Workspace, error)

	// Open resolves an existing workspace.
	Open(ctx context.Context, name string) (Workspace, error)

	// Cleanup removes cached files not modified within olderThan and any
	// directories left empty.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
