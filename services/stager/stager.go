// Package stager keeps fetched pages on disk and moves them between the raw,
// parsed and deadletter areas as the pipeline resolves them.
package stager

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/models"
)

const (
	fileExt    = ".html"
	reasonExt  = ".reason.json"
	tmpPattern = ".tmp-*"
)

// DeadletterNote is the sidecar written next to a dead-lettered file.
type DeadletterNote struct {
	Symbol    string    `json:"symbol"`
	FetchedAt time.Time `json:"fetched_at"`
	Reason    string    `json:"reason"`
	MovedAt   time.Time `json:"moved_at"`
}

// Stager owns the three staging directories
type Stager struct {
	rawDir        string
	parsedDir     string
	deadletterDir string
}

// NewStager creates the staging directories if needed
func NewStager(rawDir, parsedDir, deadletterDir string) (*Stager, error) {
	for _, dir := range []string{rawDir, parsedDir, deadletterDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create staging directory %s: %w", dir, err)
		}
	}
	return &Stager{
		rawDir:        rawDir,
		parsedDir:     parsedDir,
		deadletterDir: deadletterDir,
	}, nil
}

// FileName returns the deterministic staged name {symbol}_{date}_{fetchTimestamp}.
func FileName(symbol string, fetchedAt time.Time) string {
	ts := fetchedAt.UTC()
	return fmt.Sprintf("%s_%s_%d%s", symbol, ts.Format("2006-01-02"), ts.UnixMilli(), fileExt)
}

// parseFileName reverses FileName. Symbols never contain underscores.
func parseFileName(name string) (string, time.Time, bool) {
	if !strings.HasSuffix(name, fileExt) {
		return "", time.Time{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, fileExt), "_")
	if len(parts) != 3 || parts[0] == "" {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return parts[0], time.UnixMilli(ms).UTC(), true
}

// WriteRaw persists content into the raw area. The file appears under its
// final name only once fully written.
func (s *Stager) WriteRaw(symbol string, fetchedAt time.Time, content []byte) (*models.StagedFile, error) {
	name := FileName(symbol, fetchedAt)

	tmp, err := os.CreateTemp(s.rawDir, name+tmpPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create raw file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after successful rename

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write raw file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to sync raw file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close raw file: %w", err)
	}

	path := filepath.Join(s.rawDir, name)
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("failed to publish raw file: %w", err)
	}

	return &models.StagedFile{
		Path:      path,
		Symbol:    symbol,
		FetchedAt: fetchedAt.UTC(),
		State:     models.StagedRaw,
	}, nil
}

// CommitParsed moves a raw file to the parsed area. Call it only after the
// batch loaded from that file has been committed.
func (s *Stager) CommitParsed(file *models.StagedFile) error {
	if err := s.move(file, s.parsedDir); err != nil {
		return err
	}
	file.State = models.StagedParsed
	return nil
}

// CommitDeadletter moves a raw file to the deadletter area and writes the
// failure reason beside it.
func (s *Stager) CommitDeadletter(file *models.StagedFile, reason string) error {
	note := DeadletterNote{
		Symbol:    file.Symbol,
		FetchedAt: file.FetchedAt,
		Reason:    reason,
		MovedAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(note, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode deadletter note: %w", err)
	}
	notePath := filepath.Join(s.deadletterDir, filepath.Base(file.Path)+reasonExt)
	if err := os.WriteFile(notePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write deadletter note: %w", err)
	}

	if err := s.move(file, s.deadletterDir); err != nil {
		return err
	}
	file.State = models.StagedDeadletter
	log.Printf("Dead-lettered %s: %s", filepath.Base(file.Path), reason)
	return nil
}

func (s *Stager) move(file *models.StagedFile, dir string) error {
	if file.State != models.StagedRaw {
		return fmt.Errorf("staged file %s is %s, not raw", file.Path, file.State)
	}
	dest := filepath.Join(dir, filepath.Base(file.Path))
	if err := os.Rename(file.Path, dest); err != nil {
		return fmt.Errorf("failed to move %s: %w", filepath.Base(file.Path), err)
	}
	file.Path = dest
	return nil
}

// PendingRaw lists complete raw files left behind by an earlier run, oldest first.
func (s *Stager) PendingRaw() ([]*models.StagedFile, error) {
	entries, err := os.ReadDir(s.rawDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw directory: %w", err)
	}

	var files []*models.StagedFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		symbol, fetchedAt, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		files = append(files, &models.StagedFile{
			Path:      filepath.Join(s.rawDir, e.Name()),
			Symbol:    symbol,
			FetchedAt: fetchedAt,
			State:     models.StagedRaw,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].FetchedAt.Before(files[j].FetchedAt) })
	return files, nil
}

// ReadNote loads the sidecar of a dead-lettered file.
func (s *Stager) ReadNote(file *models.StagedFile) (*DeadletterNote, error) {
	data, err := os.ReadFile(file.Path + reasonExt)
	if err != nil {
		return nil, err
	}
	var note DeadletterNote
	if err := json.Unmarshal(data, &note); err != nil {
		return nil, err
	}
	return &note, nil
}
