// Package fingerprint produces content-derived identity for files. Two files
// with equal content hash share every derived artefact (chunks, embeddings),
// so the hash must be strong; mtime alone never counts as "changed".
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Fingerprint identifies a file by content.
type Fingerprint struct {
	// RelativePath is the path relative to the folder root, slash-separated.
	RelativePath string `json:"relativePath"`

	// Hash is the hex-encoded SHA-256 of the file content.
	Hash string `json:"hash"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// MTime is the last modification time.
	MTime time.Time `json:"mtime"`
}

// File fingerprints a single file. base is the folder root used to compute
// the relative path.
func File(absPath, base string) (*Fingerprint, error) {
	rel, err := filepath.Rel(base, absPath)
	if err != nil {
		return nil, fmt.Errorf("relative path for %s: %w", absPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, err
	}

	hash, err := hashFile(absPath)
	if err != nil {
		return nil, err
	}

	return &Fingerprint{
		RelativePath: filepath.ToSlash(rel),
		Hash:         hash,
		Size:         info.Size(),
		MTime:        info.ModTime(),
	}, nil
}

// Dir fingerprints every regular file under base for which include returns
// true. Unreadable files are skipped with a warning; they do not halt the
// batch. Results are keyed by relative path.
func Dir(base string, include func(relPath string, info fs.FileInfo) bool) (map[string]*Fingerprint, error) {
	results := make(map[string]*Fingerprint)

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("skipping unreadable entry", slog.String("path", path), slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, infoErr := d.Info()
		if infoErr != nil {
			slog.Warn("skipping unreadable file", slog.String("path", path), slog.String("error", infoErr.Error()))
			return nil
		}

		if include != nil && !include(rel, info) {
			return nil
		}

		fp, fpErr := File(path, base)
		if fpErr != nil {
			slog.Warn("skipping unreadable file", slog.String("path", path), slog.String("error", fpErr.Error()))
			return nil
		}
		results[rel] = fp
		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

// Changed reports whether b represents different content than a. Size is a
// cheap pre-check; the hash decides.
func Changed(a, b *Fingerprint) bool {
	if a == nil || b == nil {
		return true
	}
	if a.Size != b.Size {
		return true
	}
	return a.Hash != b.Hash
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of content already in memory.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
