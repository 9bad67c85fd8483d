package runstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
)

// RunPrefix starts every fresh run directory name.
const RunPrefix = "run_"

const runTimestampLayout = "20060102_150405"

var runNamePattern = regexp.MustCompile(`^run_\d{8}_\d{6}(_\d+)?$`)

// Request describes how an invocation wants to pick its run directory.
type Request struct {
	Resume bool
	// RunDir names an existing run to resume. It is resolved relative to the
	// output directory unless absolute.
	RunDir string
}

// Selection is the run an invocation will work in and the state it starts from.
type Selection struct {
	Store   *Store
	State   crawler.CheckpointState
	Records []crawler.PaperRecord
	Resumed bool
}

// Selector decides whether to resume an existing run or start a fresh one.
type Selector struct {
	outputDir string
	clock     crawler.Clock
	hasher    crawler.Hasher
	logger    *zap.Logger
}

// NewSelector builds a Selector rooted at outputDir.
func NewSelector(outputDir string, clock crawler.Clock, hasher crawler.Hasher, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		outputDir: outputDir,
		clock:     clock,
		hasher:    hasher,
		logger:    logger,
	}
}

// Select resolves req into a Selection.
//
// An explicit RunDir that does not exist fails with crawler.ErrRunNotFound and
// creates nothing. Resuming without a name picks the lexicographically
// greatest run_* directory, or starts fresh when there is none. A resume
// target whose checkpoint is missing or corrupt is left untouched and a brand
// new run directory is created instead.
func (s *Selector) Select(req Request) (Selection, error) {
	if req.RunDir != "" && !req.Resume {
		return Selection{}, fmt.Errorf("run dir %q requires resume", req.RunDir)
	}
	if !req.Resume {
		return s.fresh()
	}

	var dir string
	if req.RunDir != "" {
		dir = req.RunDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(s.outputDir, dir)
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return Selection{}, fmt.Errorf("%w: %s", crawler.ErrRunNotFound, dir)
		}
	} else {
		latest, err := s.Latest()
		if err != nil {
			return Selection{}, err
		}
		if latest == "" {
			s.logger.Info("no previous run directories found; starting a new run")
			return s.fresh()
		}
		dir = latest
		s.logger.Info("resuming from most recent run", zap.String("run", filepath.Base(dir)))
	}

	sel, err := s.resume(dir)
	if errors.Is(err, crawler.ErrCorruptCheckpoint) {
		s.logger.Warn("checkpoint unusable; starting a new run", zap.String("run", filepath.Base(dir)), zap.Error(err))
		return s.fresh()
	}
	return sel, err
}

// Latest returns the path of the most recent run directory, or "" when none exist.
func (s *Selector) Latest() (string, error) {
	runs, err := s.Runs()
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", nil
	}
	return filepath.Join(s.outputDir, runs[len(runs)-1]), nil
}

// Runs lists run directory names in ascending order.
func (s *Selector) Runs() ([]string, error) {
	entries, err := os.ReadDir(s.outputDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list output directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && runNamePattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Selector) resume(dir string) (Selection, error) {
	store, err := Open(dir, s.hasher, s.logger.Named("runstore"))
	if err != nil {
		return Selection{}, err
	}
	state, err := store.LoadCheckpoint()
	if err != nil {
		return Selection{}, err
	}
	records, err := s.loadCumulative(store, state)
	if err != nil {
		return Selection{}, err
	}
	s.logger.Info("resuming run",
		zap.String("run", store.Name()),
		zap.Int("next_proc_idx", state.NextProceedingIndex),
		zap.Int("proceedings", len(state.Proceedings)),
		zap.Int("records_loaded", len(records)),
	)
	return Selection{Store: store, State: state, Records: records, Resumed: true}, nil
}

func (s *Selector) loadCumulative(store *Store, state crawler.CheckpointState) ([]crawler.PaperRecord, error) {
	if store.CumulativeExists() {
		records, err := store.ReadCumulative()
		if err == nil {
			return records, nil
		}
		s.logger.Warn("cumulative file unreadable; rebuilding from shards", zap.Error(err))
	}
	records, err := store.RebuildCumulative(state)
	if err != nil {
		return nil, fmt.Errorf("rebuild cumulative records: %w", err)
	}
	return records, nil
}

func (s *Selector) fresh() (Selection, error) {
	base := RunPrefix + s.clock.Now().Format(runTimestampLayout)
	dir := filepath.Join(s.outputDir, base)
	for n := 2; ; n++ {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			break
		}
		dir = filepath.Join(s.outputDir, base+"_"+strconv.Itoa(n))
	}
	store, err := Create(dir, s.hasher, s.logger.Named("runstore"))
	if err != nil {
		return Selection{}, err
	}
	s.logger.Info("starting new run", zap.String("run", store.Name()), zap.String("dir", store.Dir()))
	return Selection{Store: store}, nil
}
