package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"fleetrun/internal/model"
	logx "fleetrun/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl       (journal; every SaveRun appends the full run)
//   - <prefix>.deliveries.jsonl (append-only JSON Lines)
//
// The runs journal is replayed into an in-memory index on open; the latest
// line per run id wins. It is compacted once stale lines outnumber live runs.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath     string
	runsFile     *os.File
	deliveryPath string
	deliveryFile *os.File

	runs    map[string]model.JobRun
	lines   int
	maxRuns int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	runs := map[string]model.JobRun{}
	lines, err := replayRuns(runsPath, runs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay %s: %w", runsPath, err)
	}

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	deliveryPath := prefix + ".deliveries.jsonl"
	df, err := os.OpenFile(deliveryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	maxRuns := cfg.MaxRuns
	if maxRuns <= 0 {
		maxRuns = defaultMaxRuns
	}
	s := &fileStore{
		log:          log,
		runsPath:     runsPath,
		runsFile:     rf,
		deliveryPath: deliveryPath,
		deliveryFile: df,
		runs:         runs,
		lines:        lines,
		maxRuns:      maxRuns,
	}
	log.Debug("file store opened", logx.String("runs", runsPath), logx.Int("loaded", len(runs)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	if s.deliveryFile != nil {
		errs = append(errs, s.deliveryFile.Close())
		s.deliveryFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) SaveRun(ctx context.Context, run model.JobRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if run.ID == "" {
		return errors.New("run id is required")
	}
	b, err := json.Marshal(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrDisabled
	}
	if _, err := s.runsFile.Write(append(b, '\n')); err != nil {
		return err
	}
	s.runs[run.ID] = run.Clone()
	s.lines++
	if s.lines > 2*len(s.runs)+1000 || len(s.runs) > s.maxRuns+s.maxRuns/10 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("runs journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetRun(ctx context.Context, id string) (model.JobRun, error) {
	if err := ctx.Err(); err != nil {
		return model.JobRun{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return model.JobRun{}, fmt.Errorf("%w: %s", model.ErrRunNotFound, id)
	}
	return r.Clone(), nil
}

func (s *fileStore) ListRuns(ctx context.Context, limit int) ([]model.JobRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]model.JobRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	s.mu.Unlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out, nil
}

func (s *fileStore) ListUnfinishedRuns(ctx context.Context) ([]model.JobRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var out []model.JobRun
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			out = append(out, r.Clone())
		}
	}
	s.mu.Unlock()
	sortNewestFirst(out)
	return out, nil
}

func (s *fileStore) AppendDelivery(ctx context.Context, rec model.DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.deliveryFile).Encode(rec)
}

// ListDeliveries scans the deliveries journal. It is linear in the file size.
func (s *fileStore) ListDeliveries(ctx context.Context, runID string) ([]model.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.deliveryPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []model.DeliveryRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec model.DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.RunID != runID {
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// compactLocked rewrites the journal with one line per retained run,
// dropping the oldest runs beyond maxRuns.
func (s *fileStore) compactLocked() error {
	keep := make([]model.JobRun, 0, len(s.runs))
	for _, r := range s.runs {
		keep = append(keep, r)
	}
	sortNewestFirst(keep)
	if len(keep) > s.maxRuns {
		for _, r := range keep[s.maxRuns:] {
			delete(s.runs, r.ID)
		}
		keep = keep[:s.maxRuns]
	}

	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	// Oldest first so a replay ends on the newest state.
	for i := len(keep) - 1; i >= 0; i-- {
		if err := enc.Encode(keep[i]); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return err
	}

	// The old handle points at the replaced inode.
	nf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.runsFile.Close()
	s.runsFile = nf
	s.lines = len(keep)
	return nil
}

// replayRuns loads the journal at path into out and returns the line count.
// Undecodable lines are skipped.
func replayRuns(path string, out map[string]model.JobRun) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lines := 0
	for sc.Scan() {
		lines++
		var r model.JobRun
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		out[r.ID] = r
	}
	return lines, sc.Err()
}

func sortNewestFirst(runs []model.JobRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID > runs[j].ID
	})
}
