package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const backupLayout = "20060102_150405.000000"

// Backup describes one backup file.
type Backup struct {
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	Size       int64     `json:"size"`
}

func backupStamp(t time.Time) string {
	// The layout uses '.' before the fraction; the file name uses '_'.
	return strings.Replace(t.UTC().Format(backupLayout), ".", "_", 1)
}

func parseBackupStamp(s string) (time.Time, error) {
	i := strings.LastIndex(s, "_")
	if i < 0 {
		return time.Time{}, fmt.Errorf("bad backup stamp %q", s)
	}
	return time.ParseInLocation(backupLayout, s[:i]+"."+s[i+1:], time.UTC)
}

func backupPattern(id string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(id) + `_(\d{8}_\d{6}_\d{6})\.json$`)
}

// backup copies the live checkpoint for id, if any, into the backup
// directory and prunes old copies. Must be called with the lock held.
func (s *Store) backup(ctx context.Context, id, livePath string) error {
	src, err := os.Open(livePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open checkpoint for backup: %w", err)
	}
	defer src.Close()

	ts := s.now()
	var dst *os.File
	for {
		name := fmt.Sprintf("%s_%s.json", id, backupStamp(ts))
		dst, err = os.OpenFile(filepath.Join(s.backupDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create backup: %w", err)
		}
		ts = ts.Add(time.Microsecond)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dst.Name())
		return fmt.Errorf("copy backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		_ = os.Remove(dst.Name())
		return fmt.Errorf("sync backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close backup: %w", err)
	}

	s.prune(ctx, id)
	return nil
}

// prune deletes the oldest backups beyond the retention count. Failures are
// logged, never returned.
func (s *Store) prune(ctx context.Context, id string) {
	backups, err := s.listBackups(id)
	if err != nil {
		s.logger.Warn(ctx, "listing backups for pruning failed", zap.String("workflow_id", id), zap.Error(err))
		return
	}
	if len(backups) <= s.retention {
		return
	}
	for _, b := range backups[:len(backups)-s.retention] {
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn(ctx, "failed to prune backup", zap.String("path", b.Path), zap.Error(err))
			continue
		}
		s.logger.Debug(ctx, "pruned backup", zap.String("name", b.Name))
	}
}

// listBackups returns the backups for id, oldest first.
func (s *Store) listBackups(id string) ([]Backup, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	re := backupPattern(id)
	var out []Backup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		created, err := parseBackupStamp(m[1])
		if err != nil {
			continue
		}
		b := Backup{
			WorkflowID: id,
			Name:       e.Name(),
			Path:       filepath.Join(s.backupDir, e.Name()),
			CreatedAt:  created,
		}
		if info, err := e.Info(); err == nil {
			b.Size = info.Size()
		}
		out = append(out, b)
	}
	// Fixed-width timestamps sort lexically in time order.
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListBackups returns the backups for id, newest first.
func (s *Store) ListBackups(ctx context.Context, id string) ([]Backup, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	path := s.CheckpointPath(id)
	unlock, err := s.rlockExisting(ctx, path)
	if err != nil {
		return nil, err
	}
	if unlock != nil {
		defer s.release(ctx, unlock, path)
	}
	backups, err := s.listBackups(id)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(backups)-1; i < j; i, j = i+1, j-1 {
		backups[i], backups[j] = backups[j], backups[i]
	}
	return backups, nil
}

// RestoreBackup replaces the live checkpoint for id with the named backup.
// The backup must parse as a valid checkpoint for the same workflow. The
// live checkpoint being replaced is itself backed up first.
func (s *Store) RestoreBackup(ctx context.Context, id, name string) (*WorkflowState, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if !backupPattern(id).MatchString(name) {
		return nil, fmt.Errorf("%w: backup %q does not belong to %s", ErrNotFound, name, id)
	}
	st, err := readCheckpoint(filepath.Join(s.backupDir, name), id)
	if err != nil {
		return nil, err
	}

	path := s.CheckpointPath(id)
	unlock, err := s.locker.Lock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, unlock, path)
	if err := s.write(ctx, st, true); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.current != nil && s.current.WorkflowID == id {
		s.current = st.Clone()
	}
	s.mu.Unlock()

	s.logger.Info(ctx, "backup restored", zap.String("workflow_id", id), zap.String("backup", name))
	return st, nil
}
