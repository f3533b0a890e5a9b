package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"courier/internal/repository"
)

// Orphan kinds
const (
	OrphanUnreferenced = "unreferenced"
	OrphanMissing      = "missing"
	OrphanDiskOnly     = "disk_only"
)

// UploadIndex is the metadata side of stored uploads.
type UploadIndex interface {
	ListUploadedFiles(ctx context.Context) ([]repository.UploadedFile, error)
	DeleteUploadedFile(ctx context.Context, id int64) error
	ListFormDataBodies(ctx context.Context) ([]string, error)
}

type OrphanFile struct {
	Type         string `json:"type"`
	FileID       int64  `json:"fileId,omitempty"`
	StoredName   string `json:"storedName"`
	OriginalName string `json:"originalName,omitempty"`
}

type CleanupResult struct {
	Orphans []OrphanFile `json:"orphans"`
	Deleted int          `json:"deleted"`
	DryRun  bool         `json:"dryRun"`
}

type CleanupOptions struct {
	DryRun bool
	// MinAge protects recent uploads that no execution has referenced yet.
	MinAge time.Duration
	Now    func() time.Time
	Logger *zap.Logger
}

// CleanupOrphanFiles finds uploads no recorded form-data request references,
// index rows whose file is gone, and files on disk with no index row. Unless
// DryRun is set, they are removed.
func CleanupOrphanFiles(ctx context.Context, index UploadIndex, fs *FileStorage, opts CleanupOptions) (*CleanupResult, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dbFiles, err := index.ListUploadedFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploaded files: %w", err)
	}
	dbByName := make(map[string]int64, len(dbFiles))
	for _, f := range dbFiles {
		dbByName[f.StoredName] = f.ID
	}

	referenced, err := collectReferencedUploads(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("failed to collect file references: %w", err)
	}

	orphans := []OrphanFile{}
	cutoff := opts.Now().Add(-opts.MinAge)
	for _, f := range dbFiles {
		o := OrphanFile{FileID: f.ID, StoredName: f.StoredName, OriginalName: f.OriginalName}
		switch {
		case !fs.Exists(f.StoredName):
			o.Type = OrphanMissing
		case referenced[f.StoredName]:
			continue
		case f.CreatedAt.Valid && f.CreatedAt.Time.After(cutoff):
			continue
		default:
			o.Type = OrphanUnreferenced
		}
		orphans = append(orphans, o)
	}

	diskFiles, err := fs.ListDir()
	if err != nil {
		return nil, fmt.Errorf("failed to list disk files: %w", err)
	}
	for _, name := range diskFiles {
		if _, exists := dbByName[name]; !exists {
			orphans = append(orphans, OrphanFile{Type: OrphanDiskOnly, StoredName: name})
		}
	}

	result := &CleanupResult{Orphans: orphans, DryRun: opts.DryRun}
	if opts.DryRun || len(orphans) == 0 {
		return result, nil
	}

	for _, o := range orphans {
		if o.Type != OrphanMissing {
			if err := fs.Delete(o.StoredName); err != nil {
				logger.Warn("failed to delete orphan file", zap.String("file", o.StoredName), zap.Error(err))
				continue
			}
		}
		if o.FileID != 0 {
			if err := index.DeleteUploadedFile(ctx, o.FileID); err != nil {
				logger.Warn("failed to delete upload record", zap.Int64("id", o.FileID), zap.Error(err))
				continue
			}
		}
		result.Deleted++
	}
	logger.Info("upload cleanup finished", zap.Int("orphans", len(orphans)), zap.Int("deleted", result.Deleted))
	return result, nil
}

func collectReferencedUploads(ctx context.Context, index UploadIndex) (map[string]bool, error) {
	bodies, err := index.ListFormDataBodies(ctx)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]bool)
	for _, body := range bodies {
		entries, err := parseFormEntries(body)
		if err != nil {
			continue // skip malformed JSON
		}
		for _, e := range entries {
			if e.Src != "" {
				refs[e.Src] = true
			}
		}
	}
	return refs, nil
}

var _ UploadIndex = (*repository.Queries)(nil)
