package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"nanofab.ai/internal/sim/grid"
)

// ErrNotFound is returned when an archive has no file for a problem or trace.
var ErrNotFound = errors.New("not found")

const (
	sourceSuffix = "_src.mdl"
	targetSuffix = "_tgt.mdl"
	traceSuffix  = ".nbt"
	dfltSuffix   = "_dflt.nbt"
	zstSuffix    = ".zst"
)

// Problem is an assembly, disassembly or reassembly task. A nil Source means
// start from an empty grid; a nil Target means end with one.
type Problem struct {
	Name   string
	R      int
	Source *grid.Grid
	Target *grid.Grid
}

// Archive is a read-only set of problem and trace files, backed by a
// directory tree or a zip file. Files may be stored zstd-compressed with a
// ".zst" suffix.
type Archive struct {
	path  string
	files map[string]func() (io.ReadCloser, error) // base name without .zst
	zip   *zip.ReadCloser
}

// Open indexes the files under path, which is a directory or a .zip file.
func Open(path string) (*Archive, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	a := &Archive{path: path, files: map[string]func() (io.ReadCloser, error){}}
	if fi.IsDir() {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			a.add(d.Name(), func() (io.ReadCloser, error) { return os.Open(p) })
			return nil
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	a.zip = zr
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		a.add(filepath.Base(f.Name), f.Open)
	}
	return a, nil
}

func (a *Archive) add(name string, open func() (io.ReadCloser, error)) {
	if strings.HasSuffix(name, zstSuffix) {
		base := strings.TrimSuffix(name, zstSuffix)
		a.files[base] = func() (io.ReadCloser, error) {
			rc, err := open()
			if err != nil {
				return nil, err
			}
			return newZstdReadCloser(rc)
		}
		return
	}
	a.files[name] = open
}

func (a *Archive) Close() error {
	if a.zip != nil {
		return a.zip.Close()
	}
	return nil
}

// Problems lists every problem name with at least one model file.
func (a *Archive) Problems() []string {
	seen := map[string]bool{}
	for name := range a.files {
		for _, suf := range []string{sourceSuffix, targetSuffix} {
			if strings.HasSuffix(name, suf) {
				seen[strings.TrimSuffix(name, suf)] = true
			}
		}
	}
	return sortedKeys(seen)
}

// Traces lists every problem name with a trace file.
func (a *Archive) Traces() []string {
	seen := map[string]bool{}
	for name := range a.files {
		switch {
		case strings.HasSuffix(name, dfltSuffix):
			seen[strings.TrimSuffix(name, dfltSuffix)] = true
		case strings.HasSuffix(name, traceSuffix):
			seen[strings.TrimSuffix(name, traceSuffix)] = true
		}
	}
	return sortedKeys(seen)
}

func (a *Archive) LoadProblem(name string) (Problem, error) {
	p := Problem{Name: name}
	var err error
	if p.Source, err = a.model(name + sourceSuffix); err != nil {
		return p, err
	}
	if p.Target, err = a.model(name + targetSuffix); err != nil {
		return p, err
	}
	switch {
	case p.Source == nil && p.Target == nil:
		return p, fmt.Errorf("problem %s: %w", name, ErrNotFound)
	case p.Source != nil && p.Target != nil && p.Source.R() != p.Target.R():
		return p, fmt.Errorf("problem %s: source resolution %d, target %d", name, p.Source.R(), p.Target.R())
	case p.Source != nil:
		p.R = p.Source.R()
	default:
		p.R = p.Target.R()
	}
	return p, nil
}

// LoadTrace returns the trace for a problem, preferring NAME.nbt over NAME_dflt.nbt.
func (a *Archive) LoadTrace(name string) ([]byte, error) {
	for _, file := range []string{name + traceSuffix, name + dfltSuffix} {
		b, err := a.read(file)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return b, err
	}
	return nil, fmt.Errorf("trace %s: %w", name, ErrNotFound)
}

func (a *Archive) model(file string) (*grid.Grid, error) {
	b, err := a.read(file)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g, err := grid.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return g, nil
}

func (a *Archive) read(file string) ([]byte, error) {
	open, ok := a.files[file]
	if !ok {
		return nil, fmt.Errorf("%s: %w", file, ErrNotFound)
	}
	rc, err := open()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return b, nil
}

// ReadModelFile reads a single model file, decompressing it when the name ends in .zst.
func ReadModelFile(path string) (*grid.Grid, error) {
	b, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := grid.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// ReadFile reads a file, decompressing it when the name ends in .zst.
func ReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil || !strings.HasSuffix(path, zstSuffix) {
		return b, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// WriteFile writes b to path, zstd-compressing it when the name ends in .zst.
func WriteFile(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if strings.HasSuffix(path, zstSuffix) {
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return err
		}
		if _, err := enc.Write(b); err != nil {
			enc.Close()
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		b = buf.Bytes()
	}
	return os.WriteFile(path, b, 0o644)
}

type zstdReadCloser struct {
	dec *zstd.Decoder
	rc  io.ReadCloser
}

func newZstdReadCloser(rc io.ReadCloser) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return &zstdReadCloser{dec: dec, rc: rc}, nil
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.rc.Close()
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
