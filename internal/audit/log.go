// Package audit keeps the append-only record of promotions and rebuilds.
// Each record is one JSON object per line, synced to disk before Append
// returns.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/pgwarden/internal/ha"
)

// FileName is the log's name inside the state directory.
const FileName = "audit.log"

// maxLine bounds a single record; rebuild histories are small.
const maxLine = 1 << 20

// Log appends records to a file.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *zap.Logger
	now    func() time.Time
}

var _ ha.AuditLog = (*Log)(nil)

// Open opens (creating if needed) the audit log in stateDir.
func Open(stateDir string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(stateDir, FileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{path: path, file: f, logger: logger, now: time.Now}, nil
}

// Path returns the file the log writes to.
func (l *Log) Path() string { return l.path }

// AppendFailover records a finished failover or switchover.
func (l *Log) AppendFailover(e ha.FailoverEvent) error {
	return l.Append(Record{
		Time:     e.FinishedAt,
		Type:     RecordFailover,
		Cluster:  e.Cluster,
		Outcome:  string(e.Outcome),
		Failover: &e,
	})
}

// AppendRebuild records a rebuild state change.
func (l *Log) AppendRebuild(j ha.RebuildJob) error {
	at := j.FinishedAt
	if at.IsZero() && len(j.History) > 0 {
		at = j.History[len(j.History)-1].At
	}
	return l.Append(Record{
		Time:    at,
		Type:    RecordRebuild,
		Cluster: j.Cluster,
		Outcome: string(j.State),
		Rebuild: &j,
	})
}

// Append writes r as one line and syncs the file.
func (l *Log) Append(r Record) error {
	if r.Time.IsZero() {
		r.Time = l.now()
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errors.New("audit log is closed")
	}
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.logger.Debug("audit record written",
		zap.String("cluster", r.Cluster),
		zap.String("type", string(r.Type)),
		zap.String("outcome", r.Outcome))
	return nil
}

// Close closes the file. Appends after Close fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Read returns the records in the log at path that match q, oldest first.
// A missing file is an empty log. Lines that do not parse are skipped.
func Read(path string, q Query) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()
	return scan(f, q)
}

func scan(r io.Reader, q Query) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if !q.matches(rec) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}
