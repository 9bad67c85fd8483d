// Package runstore owns the on-disk layout of a crawl run: the checkpoint,
// the discovered proceeding list, per-proceeding shards, and the cumulative
// CSV. It also selects which run directory an invocation works in.
package runstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
)

// File names inside a run directory.
const (
	CheckpointFile  = "checkpoint.json"
	ProceedingsFile = "proceedings.txt"
	CumulativeFile  = "all_papers.csv"

	shardExt   = ".csv"
	partialExt = ".partial.csv"
)

// Store reads and writes the files of one run directory. It holds no copy of
// the crawl state; it persists exactly what it is handed.
type Store struct {
	dir    string
	hasher crawler.Hasher
	logger *zap.Logger
}

// Open wraps an existing run directory.
func Open(dir string, hasher crawler.Hasher, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("run directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", crawler.ErrRunNotFound, dir)
		}
		return nil, fmt.Errorf("stat run directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("run directory path %s is not a directory", dir)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, hasher: hasher, logger: logger}, nil
}

// Create makes a new run directory and verifies it is writable.
func Create(dir string, hasher crawler.Hasher, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	testFile := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("run directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	return Open(dir, hasher, logger)
}

// Dir returns the run directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Name returns the run directory's base name.
func (s *Store) Name() string {
	return filepath.Base(s.dir)
}

// Path resolves a file name inside the run directory.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// SaveCheckpoint overwrites the checkpoint file atomically.
func (s *Store) SaveCheckpoint(state crawler.CheckpointState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid checkpoint: %w", err)
	}
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := writeFileAtomic(s.dir, CheckpointFile, payload); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint saved",
		zap.Int("next_proc_idx", state.NextProceedingIndex),
		zap.Int("total_paper_count", state.TotalPaperCount),
	)
	return nil
}

// LoadCheckpoint reads the checkpoint. A missing, unreadable, or invalid file
// yields an error wrapping crawler.ErrCorruptCheckpoint.
func (s *Store) LoadCheckpoint() (crawler.CheckpointState, error) {
	data, err := os.ReadFile(s.Path(CheckpointFile))
	if err != nil {
		return crawler.CheckpointState{}, fmt.Errorf("%w: %w", crawler.ErrCorruptCheckpoint, err)
	}
	var state crawler.CheckpointState
	if err := json.Unmarshal(data, &state); err != nil {
		return crawler.CheckpointState{}, fmt.Errorf("%w: decode: %w", crawler.ErrCorruptCheckpoint, err)
	}
	if err := state.Validate(); err != nil {
		return crawler.CheckpointState{}, fmt.Errorf("%w: %w", crawler.ErrCorruptCheckpoint, err)
	}
	return state, nil
}

// SaveProceedingList writes the discovered proceeding URLs, one per line.
func (s *Store) SaveProceedingList(urls []string) error {
	var buf bytes.Buffer
	for _, u := range urls {
		buf.WriteString(u)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(s.dir, ProceedingsFile, buf.Bytes()); err != nil {
		return fmt.Errorf("write proceeding list: %w", err)
	}
	return nil
}

// LoadProceedingList reads proceedings.txt.
func (s *Store) LoadProceedingList() ([]string, error) {
	f, err := os.Open(s.Path(ProceedingsFile))
	if err != nil {
		return nil, fmt.Errorf("open proceeding list: %w", err)
	}
	defer f.Close()
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan proceeding list: %w", err)
	}
	return out, nil
}

// ShardPath returns the committed shard path for a proceeding.
func (s *Store) ShardPath(p crawler.Proceeding) string {
	return s.Path(p.ShardName() + shardExt)
}

// PartialShardPath returns the in-progress shard path for a proceeding.
func (s *Store) PartialShardPath(p crawler.Proceeding) string {
	return s.Path(p.ShardName() + partialExt)
}

// ShardExists reports whether a committed shard file is present.
func (s *Store) ShardExists(p crawler.Proceeding) bool {
	info, err := os.Stat(s.ShardPath(p))
	return err == nil && info.Mode().IsRegular()
}

// WriteShard commits a proceeding's records and returns the shard digest.
func (s *Store) WriteShard(p crawler.Proceeding, records []crawler.PaperRecord) (string, error) {
	payload, err := EncodeRecords(records)
	if err != nil {
		return "", fmt.Errorf("encode shard %s: %w", p.ShardName(), err)
	}
	if err := writeFileAtomic(s.dir, p.ShardName()+shardExt, payload); err != nil {
		return "", fmt.Errorf("write shard %s: %w", p.ShardName(), err)
	}
	s.logger.Debug("shard written", zap.String("shard", p.ShardName()), zap.Int("records", len(records)))
	return s.digest(payload)
}

// ReadShard loads a committed shard.
func (s *Store) ReadShard(p crawler.Proceeding) ([]crawler.PaperRecord, error) {
	return readRecordsFile(s.ShardPath(p))
}

// VerifyShard checks a committed shard against its recorded digest and that
// it parses. Failures wrap crawler.ErrCorruptShard. An empty digest skips the
// digest comparison (checkpoints written before digests were recorded).
func (s *Store) VerifyShard(p crawler.Proceeding, digest string) error {
	data, err := os.ReadFile(s.ShardPath(p))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", crawler.ErrCorruptShard, p.ShardName(), err)
	}
	if digest != "" {
		got, err := s.digest(data)
		if err != nil {
			return err
		}
		if got != digest {
			return fmt.Errorf("%w: %s digest mismatch", crawler.ErrCorruptShard, p.ShardName())
		}
	}
	if _, err := ReadRecords(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %s: %w", crawler.ErrCorruptShard, p.ShardName(), err)
	}
	return nil
}

// ShardDigest hashes the committed shard as it currently sits on disk.
func (s *Store) ShardDigest(p crawler.Proceeding) (string, error) {
	data, err := os.ReadFile(s.ShardPath(p))
	if err != nil {
		return "", fmt.Errorf("read shard %s: %w", p.ShardName(), err)
	}
	return s.digest(data)
}

// RemoveShard deletes a committed shard, ignoring absence.
func (s *Store) RemoveShard(p crawler.Proceeding) error {
	return removeIfExists(s.ShardPath(p))
}

// WritePartialShard persists the records gathered so far for an in-progress proceeding.
func (s *Store) WritePartialShard(p crawler.Proceeding, records []crawler.PaperRecord) error {
	payload, err := EncodeRecords(records)
	if err != nil {
		return fmt.Errorf("encode partial shard %s: %w", p.ShardName(), err)
	}
	if err := writeFileAtomic(s.dir, p.ShardName()+partialExt, payload); err != nil {
		return fmt.Errorf("write partial shard %s: %w", p.ShardName(), err)
	}
	return nil
}

// ReadPartialShard loads the in-progress records of a proceeding. A missing
// file yields no records and no error.
func (s *Store) ReadPartialShard(p crawler.Proceeding) ([]crawler.PaperRecord, error) {
	records, err := readRecordsFile(s.PartialShardPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return records, err
}

// PartialShardExists reports whether an in-progress shard file is present.
func (s *Store) PartialShardExists(p crawler.Proceeding) bool {
	info, err := os.Stat(s.PartialShardPath(p))
	return err == nil && info.Mode().IsRegular()
}

// RemovePartialShard deletes the in-progress file once the shard is committed.
func (s *Store) RemovePartialShard(p crawler.Proceeding) error {
	return removeIfExists(s.PartialShardPath(p))
}

// WriteCumulative rewrites the cumulative CSV with every record known so far.
func (s *Store) WriteCumulative(records []crawler.PaperRecord) error {
	payload, err := EncodeRecords(records)
	if err != nil {
		return fmt.Errorf("encode cumulative file: %w", err)
	}
	if err := writeFileAtomic(s.dir, CumulativeFile, payload); err != nil {
		return fmt.Errorf("write cumulative file: %w", err)
	}
	s.logger.Debug("cumulative file written", zap.Int("records", len(records)))
	return nil
}

// ReadCumulative loads the cumulative CSV.
func (s *Store) ReadCumulative() ([]crawler.PaperRecord, error) {
	return readRecordsFile(s.Path(CumulativeFile))
}

// CumulativeExists reports whether the cumulative CSV is present.
func (s *Store) CumulativeExists() bool {
	_, err := os.Stat(s.Path(CumulativeFile))
	return err == nil
}

// RebuildCumulative concatenates the shards of every committed proceeding in
// index order.
func (s *Store) RebuildCumulative(state crawler.CheckpointState) ([]crawler.PaperRecord, error) {
	var out []crawler.PaperRecord
	for i := range state.Proceedings {
		if !state.IsComplete(i) {
			continue
		}
		p := crawler.NewProceeding(state.Proceedings[i])
		if !s.ShardExists(p) {
			continue
		}
		records, err := s.ReadShard(p)
		if err != nil {
			return nil, fmt.Errorf("rebuild from %s: %w", p.ShardName(), err)
		}
		out = append(out, records...)
	}
	return out, nil
}

func (s *Store) digest(data []byte) (string, error) {
	if s.hasher == nil {
		return "", nil
	}
	sum, err := s.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash shard: %w", err)
	}
	return sum, nil
}

func readRecordsFile(path string) ([]crawler.PaperRecord, error) {
	// #nosec G304 -- path is built from the run directory and a derived shard name.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	records, err := ReadRecords(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

// writeFileAtomic writes data to a temp file in dir, syncs it, and renames it
// over name so readers never observe a half-written file.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
