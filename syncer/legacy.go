package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Checkpoint files written by the previous deployment, keyed by source.
var legacyCheckpointFiles = map[string]string{
	SourceRTS: "cw_checkpoint",
	SourceCMS: "stellar_checkpoint",
}

// ImportLegacyCheckpoints copies file checkpoints from dataDir into store when
// the store has none for that source, then moves each file to dataDir/legacy.
// It returns the sources that were imported.
func ImportLegacyCheckpoints(ctx context.Context, dataDir string, store CheckpointStore, log *zap.Logger) ([]string, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var imported []string
	for _, source := range []string{SourceRTS, SourceCMS} {
		path := filepath.Join(dataDir, legacyCheckpointFiles[source])
		b, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return imported, fmt.Errorf("read legacy checkpoint %s: %w", path, err)
		}
		ts, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
		if err != nil || ts < 0 {
			log.Warn("ignoring unreadable legacy checkpoint", zap.String("path", path), zap.String("content", strings.TrimSpace(string(b))))
			continue
		}
		current, err := store.ReadCheckpoint(ctx, source)
		if err != nil {
			return imported, err
		}
		if current == 0 {
			if err := store.WriteCheckpoint(ctx, source, ts); err != nil {
				return imported, err
			}
			imported = append(imported, source)
			log.Info("imported legacy checkpoint", zap.String("source", source), zap.Int64("checkpoint", ts))
		}
		dst, err := archiveFile(path, b, filepath.Join(dataDir, "legacy"))
		if err != nil {
			return imported, fmt.Errorf("archive legacy checkpoint %s: %w", path, err)
		}
		log.Info("archived legacy checkpoint file", zap.String("path", dst))
	}
	return imported, nil
}

// archiveFile moves a small file into dstDir, suffixing the name when an
// earlier archive holds it. content is written out when rename fails across
// devices.
func archiveFile(srcPath string, content []byte, dstDir string) (string, error) {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	dstPath := filepath.Join(dstDir, filepath.Base(srcPath))
	if _, err := os.Stat(dstPath); err == nil {
		dstPath += "." + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	if err := os.Rename(srcPath, dstPath); err == nil {
		return dstPath, nil
	}
	if err := os.WriteFile(dstPath, content, 0o644); err != nil {
		return "", err
	}
	return dstPath, os.Remove(srcPath)
}
