package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

// writeArtifact writes content under <logsRoot>/runs/<runID>/<name> and
// records a RunArtifact row holding the relative path. The store never
// sees file contents.
func writeArtifact(ctx context.Context, store storage.Store, logsRoot, runID, name string, kind types.ArtifactKind, mime string, content []byte) (string, error) {
	relPath := filepath.Join("runs", runID, name)
	absPath := filepath.Join(logsRoot, relPath)

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}

	artifact := &types.RunArtifact{
		ID:        uuid.New().String(),
		RunID:     runID,
		Kind:      kind,
		Path:      relPath,
		SizeBytes: int64(len(content)),
		MimeType:  mime,
		CreatedAt: time.Now(),
	}
	if err := store.CreateArtifact(ctx, artifact); err != nil {
		return "", fmt.Errorf("record artifact %s: %w", name, err)
	}
	return relPath, nil
}
