package archive

import (
	"context"
	"log/slog"
)

// DefaultRetentionCap is the number of snapshots kept per device or location
// folder.
const DefaultRetentionCap = 12

// Enforce trims a container folder down to maxEntries immediate children,
// deleting oldest-first. The tool lists entries in insertion order, so the
// first child is always the oldest snapshot. Returns the path of the last
// remaining entry, or empty when the folder is empty.
func (e *Engine) Enforce(ctx context.Context, archivePath, password, folder string, maxEntries int) (string, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultRetentionCap
	}

	entries, err := e.List(ctx, archivePath, password, folder)
	if err != nil {
		return "", err
	}

	for len(entries) > maxEntries {
		oldest := entries[0]
		if err := e.Delete(ctx, archivePath, oldest.Path, password, oldest.IsFolder); err != nil {
			return "", err
		}
		slog.Info("Pruned archived snapshot", "container", archivePath, "entry", oldest.Path)

		entries, err = e.List(ctx, archivePath, password, folder)
		if err != nil {
			return "", err
		}
	}

	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].Path, nil
}
