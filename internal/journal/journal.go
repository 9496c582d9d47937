// Package journal appends order state changes and periodic controller status
// to rotating CSV files, for reconciling payments against washes.
package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/washkiosk/internal/flow"
	"github.com/shaunagostinho/washkiosk/internal/plc"
)

// Journal writes one CSV row per order state change, plus throttled status
// rows.
type Journal struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	maxRows  int
	enabled  bool
	log      *zap.Logger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds journal configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"` // minimum gap between status rows
	MaxRows    int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultMaxRows = 50_000
	rowState       = "state"
	rowStatus      = "status"
)

var csvHeader = []string{
	"timestamp", "row", "order_id", "program_id", "mode", "state", "reason",
	"online", "fault", "previous_car", "ready", "position", "auto_status",
	"total", "today", "faults",
}

// New creates a Journal. Nothing is written until the first row.
func New(cfg Config, log *zap.Logger) *Journal {
	if cfg.Path == "" {
		cfg.Path = "/var/log/washkiosk"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < time.Second {
		interval = time.Minute
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{
		dir:      cfg.Path,
		interval: interval,
		maxRows:  cfg.MaxRows,
		enabled:  cfg.Enabled,
		log:      log.Named("journal"),
	}
}

// SetEnabled toggles journaling at runtime.
func (j *Journal) SetEnabled(on bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enabled = on
	if !on && j.file != nil {
		j.closeFile()
	}
}

// IsEnabled returns whether journaling is active.
func (j *Journal) IsEnabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

// RecordState writes st. Every change is kept. Use it as a flow hook.
func (j *Journal) RecordState(st flow.State) {
	row := make([]string, len(csvHeader))
	row[0] = st.Since.Format(time.RFC3339Nano)
	row[1] = rowState
	row[2] = st.OrderID
	row[3] = st.ProgramID
	if st.Mode > 0 {
		row[4] = strconv.Itoa(st.Mode)
	}
	row[5] = string(st.Kind)
	row[6] = st.Reason

	j.mu.Lock()
	defer j.mu.Unlock()
	j.write(st.Since, row)
}

// RecordStatus writes a controller snapshot if the minimum interval has
// elapsed since the last one.
func (j *Journal) RecordStatus(snap plc.RegisterSnapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := snap.CapturedAt
	if now.IsZero() {
		now = time.Now()
	}
	if now.Sub(j.lastTs) < j.interval {
		return
	}
	if j.write(now, statusRow(now, snap)) {
		j.lastTs = now
	}
}

// Close flushes and closes the current file.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeFile()
}

func (j *Journal) write(now time.Time, row []string) bool {
	if !j.enabled {
		return false
	}
	if j.writer == nil || j.rows >= j.maxRows {
		if err := j.rotateFile(now); err != nil {
			j.log.Error("rotate failed", zap.Error(err))
			return false
		}
	}
	if err := j.writer.Write(row); err != nil {
		j.log.Error("write failed", zap.Error(err))
		return false
	}
	j.writer.Flush()
	j.rows++
	return true
}

func (j *Journal) rotateFile(now time.Time) error {
	j.closeFile()

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", j.dir, err)
	}

	filename := fmt.Sprintf("washkiosk_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(j.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	j.file = f
	j.writer = csv.NewWriter(f)
	j.rows = 0

	if err := j.writer.Write(csvHeader); err != nil {
		return err
	}
	j.writer.Flush()

	j.log.Info("opened journal", zap.String("path", path))
	return nil
}

func (j *Journal) closeFile() {
	if j.writer != nil {
		j.writer.Flush()
		j.writer = nil
	}
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
}

func statusRow(ts time.Time, s plc.RegisterSnapshot) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = rowStatus
	row[7] = boolStr(s.Online)
	row[8] = s.Fault.String()
	row[9] = s.PreviousCar.String()
	row[10] = s.Ready.String()
	row[11] = s.Position.String()
	row[12] = s.AutoStatus.String()
	if s.Online {
		row[13] = strconv.Itoa(int(s.Counters.Total))
		row[14] = strconv.Itoa(int(s.Counters.Today))
		row[15] = strconv.Itoa(int(s.Counters.Faults))
	}
	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
