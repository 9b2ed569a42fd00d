package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"nanofab.ai/internal/sim/emulator"
)

// JSONLZstdWriter appends JSON lines to a single zstd-compressed file.
type JSONLZstdWriter struct {
	path string

	mu  sync.Mutex
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
}

func NewJSONLZstdWriter(path string) *JSONLZstdWriter {
	return &JSONLZstdWriter{path: path}
}

func (w *JSONLZstdWriter) Path() string { return w.path }

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.w == nil {
		if err := w.openLocked(); err != nil {
			return err
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush pushes buffered lines into the compressed stream.
func (w *JSONLZstdWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) openLocked() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		err1 = w.w.Flush()
	}
	if w.enc != nil {
		if err := w.enc.Close(); err1 == nil {
			err1 = err
		}
		w.enc = nil
	}
	if w.f != nil {
		if err := w.f.Close(); err1 == nil {
			err1 = err
		}
		w.f = nil
	}
	w.w = nil
	return err1
}

// StepLogEntry is one line of a run's step log.
type StepLogEntry struct {
	RunID       string   `json:"run_id"`
	Step        int      `json:"step"`
	Mode        string   `json:"mode"`
	Bots        int      `json:"bots"`
	EnergyDelta int64    `json:"energy_delta"`
	Energy      int64    `json:"energy"`
	Filled      int      `json:"filled,omitempty"`
	Cleared     int      `json:"cleared,omitempty"`
	Commands    []string `json:"commands"`
	Spawned     []int    `json:"spawned,omitempty"`
	Merged      []int    `json:"merged,omitempty"`
	Halted      bool     `json:"halted,omitempty"`
}

// StepLogger writes one JSONL entry per executed step to
// <dir>/<run id>.steps.jsonl.zst. It implements emulator.StepObserver.
type StepLogger struct {
	runID string
	w     *JSONLZstdWriter

	mu  sync.Mutex
	err error
}

func NewStepLogger(dir, runID string) *StepLogger {
	return &StepLogger{
		runID: runID,
		w:     NewJSONLZstdWriter(filepath.Join(dir, fmt.Sprintf("%s.steps.jsonl.zst", runID))),
	}
}

func (l *StepLogger) Path() string { return l.w.Path() }

func (l *StepLogger) ObserveStep(ev emulator.StepEvent) {
	if err := l.w.Write(EntryFor(l.runID, ev)); err != nil {
		l.mu.Lock()
		if l.err == nil {
			l.err = err
		}
		l.mu.Unlock()
	}
}

// Close flushes the log and returns the first write error, if any.
func (l *StepLogger) Close() error {
	err := l.w.Close()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	return err
}

func EntryFor(runID string, ev emulator.StepEvent) StepLogEntry {
	rec := ev.Record
	e := StepLogEntry{
		RunID:       runID,
		Step:        rec.Step,
		Mode:        rec.Mode.String(),
		Bots:        rec.Bots,
		EnergyDelta: rec.EnergyDelta,
		Energy:      rec.Energy,
		Filled:      rec.Filled,
		Cleared:     rec.Cleared,
		Commands:    make([]string, 0, len(ev.Commands)),
		Spawned:     ev.Spawned,
		Merged:      ev.Merged,
		Halted:      ev.Halted,
	}
	for _, bc := range ev.Commands {
		e.Commands = append(e.Commands, fmt.Sprintf("%d:%s", bc.BotID, bc.Command))
	}
	return e
}

// ReadStepLog decodes every entry of a step log written by StepLogger.
func ReadStepLog(path string) ([]StepLogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var out []StepLogEntry
	for sc.Scan() {
		var e StepLogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("%s line %d: %w", filepath.Base(path), len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
