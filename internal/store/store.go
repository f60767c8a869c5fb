// Package store implements the State Store: durable JSON snapshots of a
// MemberState on local disk, timestamped so the newest file wins on
// restart, plus an optional best-effort audit mirror to Postgres.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/mcastellin/membership/internal/errs"
	"github.com/mcastellin/membership/internal/state"
	"go.uber.org/zap"
)

// snapshotPrefix is the fixed filename prefix; the suffix is a
// YYYYMMDDhhmmss UTC timestamp.
const snapshotPrefix = "membership."

const timestampLayout = "20060102150405"

var snapshotFileRe = regexp.MustCompile(`^membership\.(\d{14})$`)

// FileStore persists MemberState snapshots under a single directory.
type FileStore struct {
	dataDir string
	logger  *zap.Logger
	audit   AuditSink
}

// NewFileStore creates a FileStore rooted at dataDir. audit may be nil to
// disable the audit mirror.
func NewFileStore(dataDir string, logger *zap.Logger, audit AuditSink) *FileStore {
	return &FileStore{dataDir: dataDir, logger: logger, audit: audit}
}

// Write persists s to a new timestamped snapshot file, creating dataDir if
// needed. The write is atomic: content lands in a temp file in the same
// directory before being renamed into place, so a crash mid-write never
// leaves a half-written snapshot for Load to pick up.
//
// No retention policy is implemented: snapshot files accumulate forever.
func (fs *FileStore) Write(s state.MemberState) error {
	if err := os.MkdirAll(fs.dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir %s: %w", fs.dataDir, err)
	}

	filename := snapshotPrefix + time.Now().UTC().Format(timestampLayout)
	finalPath := filepath.Join(fs.dataDir, filename)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	if err := json.NewEncoder(f).Encode(s); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}

	if fs.audit != nil {
		if err := fs.audit.Record(s); err != nil {
			// Audit mirror failures are logged, never propagated: the audit
			// sink is an operational convenience, not load-bearing for
			// correctness.
			fs.logger.Warn("audit sink write failed", zap.Error(err))
		}
	}
	return nil
}

// Load reads the newest valid snapshot in dataDir. If the directory is
// missing, unreadable, or contains no valid snapshot, it returns
// ErrMemStateFileNotFound / ErrBadMemStateFile; the service treats either as
// "no prior state".
func (fs *FileStore) Load() (state.MemberState, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return state.MemberState{}, fmt.Errorf("%s: %w", fs.dataDir, errs.ErrMemStateFileNotFound)
	}

	var newest string
	var newestTs string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := snapshotFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		ts := m[1]
		if ts > newestTs {
			newestTs = ts
			newest = e.Name()
		}
	}

	if newest == "" {
		return state.MemberState{}, fmt.Errorf("%s: %w", fs.dataDir, errs.ErrMemStateFileNotFound)
	}

	f, err := os.Open(filepath.Join(fs.dataDir, newest))
	if err != nil {
		return state.MemberState{}, fmt.Errorf("opening %s: %w", newest, errs.ErrBadMemStateFile)
	}
	defer f.Close()

	var s state.MemberState
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return state.MemberState{}, fmt.Errorf("decoding %s: %w", newest, errs.ErrBadMemStateFile)
	}
	return s, nil
}

// Snapshots returns every retained snapshot filename, newest first. Useful
// for an admin "list snapshots" affordance; Load only ever needs the first
// entry.
func (fs *FileStore) Snapshots() ([]string, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if snapshotFileRe.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}
