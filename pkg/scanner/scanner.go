// Package scanner decodes the debugging information of many executables
// concurrently and summarizes how each one was built.
package scanner

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/binscan/binscan/pkg/binfile"
	"github.com/binscan/binscan/pkg/config"
	"github.com/binscan/binscan/pkg/dwarf"
	"github.com/binscan/binscan/pkg/dwarf/line"
	"github.com/binscan/binscan/pkg/logflags"
	"github.com/binscan/binscan/pkg/provenance"
)

// ErrNoDebugInfo is reported for executables without .debug_info and
// .debug_line.
var ErrNoDebugInfo = errors.New("no DWARF debugging information")

// CompilerUse is a distinct producer and the number of units it built.
type CompilerUse struct {
	provenance.Compiler `yaml:",inline"`
	LanguageName        string `yaml:"dw-lang,omitempty"`
	Units               int    `yaml:"units"`
}

// Report is the outcome of scanning one executable. When Err is set the
// other fields hold whatever was decoded before the failure.
type Report struct {
	Path         string         `yaml:"path"`
	Format       string         `yaml:"format,omitempty"`
	Arch         string         `yaml:"arch,omitempty"`
	BuildID      string         `yaml:"build-id,omitempty"`
	Units        int            `yaml:"units"`
	PartialUnits int            `yaml:"partial-units"`
	Compilers    []*CompilerUse `yaml:"compilers,omitempty"`
	Sources      []string       `yaml:"sources,omitempty"`
	LineRows     int            `yaml:"line-rows"`
	// Warnings lists decode errors that did not stop the scan.
	Warnings []string      `yaml:"warnings,omitempty"`
	Err      error         `yaml:"-"`
	Duration time.Duration `yaml:"duration"`
}

// MarshalYAML adds Err to the YAML form of r as an error string.
func (r *Report) MarshalYAML() (interface{}, error) {
	type plain Report
	out := struct {
		plain `yaml:",inline"`
		Error string `yaml:"error,omitempty"`
	}{plain: plain(*r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out, nil
}

// Stats are counters accumulated over every Scan call.
type Stats struct {
	Targets      int64
	Failed       int64
	Units        int64
	PartialUnits int64
	LineRows     int64
}

type stats struct {
	targets      atomic.Int64
	failed       atomic.Int64
	units        atomic.Int64
	partialUnits atomic.Int64
	lineRows     atomic.Int64
}

// Scanner scans executables using the options of a Config.
type Scanner struct {
	cfg    *config.Config
	logger logflags.Logger
	stats  stats

	scanTarget func(path string) *Report
}

// New returns a Scanner for cfg. A nil cfg means config.Default().
func New(cfg *config.Config) *Scanner {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Scanner{cfg: cfg, logger: logflags.ScannerLogger()}
	s.scanTarget = s.scanFile
	return s
}

// Scan decodes every path and returns one report per path, in the same
// order. A target that fails or exceeds the target timeout gets a report
// with Err set and does not affect the others. The returned error is only
// non-nil when ctx is done before every target was scanned.
func (s *Scanner) Scan(ctx context.Context, paths []string) ([]*Report, error) {
	reports := make([]*Report, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.MaxConcurrency > 0 {
		g.SetLimit(s.cfg.MaxConcurrency)
	}
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				reports[i] = &Report{Path: path, Err: err}
				return nil
			}
			reports[i] = s.scanWithTimeout(gctx, path)
			return nil
		})
	}
	_ = g.Wait()
	return reports, ctx.Err()
}

// scanWithTimeout runs one target. The decoders do not observe the
// context, so a target that runs out of time is abandoned and its result
// dropped when it eventually finishes.
func (s *Scanner) scanWithTimeout(ctx context.Context, path string) *Report {
	if s.cfg.TargetTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TargetTimeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan *Report, 1)
	go func() {
		done <- s.scanTarget(path)
	}()

	var r *Report
	select {
	case r = <-done:
	case <-ctx.Done():
		r = &Report{Path: path, Err: ctx.Err()}
	}
	r.Duration = time.Since(start)
	s.record(r)
	return r
}

func (s *Scanner) record(r *Report) {
	s.stats.targets.Inc()
	if r.Err != nil {
		s.stats.failed.Inc()
		s.logger.WithField("path", r.Path).WithError(r.Err).Warnf("scan failed")
	} else {
		s.logger.WithField("path", r.Path).Debugf("scanned %d units in %v", r.Units, r.Duration)
	}
	s.stats.units.Add(int64(r.Units))
	s.stats.partialUnits.Add(int64(r.PartialUnits))
	s.stats.lineRows.Add(int64(r.LineRows))
}

// Stats returns a snapshot of the counters.
func (s *Scanner) Stats() Stats {
	return Stats{
		Targets:      s.stats.targets.Load(),
		Failed:       s.stats.failed.Load(),
		Units:        s.stats.units.Load(),
		PartialUnits: s.stats.partialUnits.Load(),
		LineRows:     s.stats.lineRows.Load(),
	}
}

// Open loads the debugging information of path with the scanner's
// options. The caller closes f once it is done with d.
func (s *Scanner) Open(path string) (f *binfile.File, d *dwarf.Data, err error) {
	f, err = binfile.Open(path)
	if err != nil {
		return nil, nil, err
	}
	sec, err := f.DWARF()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if sec.Empty() {
		f.Close()
		return nil, nil, ErrNoDebugInfo
	}
	d = dwarf.Load(sec, dwarf.Options{
		ByteOrder:          f.ByteOrder,
		Normalize:          line.RelativeTo(f.ImageBase()),
		StringCacheSize:    s.cfg.StringCacheSize,
		NormalizeBackslash: s.cfg.NormalizeBackslash,
	})
	return f, d, nil
}

func (s *Scanner) scanFile(path string) *Report {
	r := &Report{Path: path}
	f, d, err := s.Open(path)
	if err != nil {
		r.Err = err
		return r
	}
	defer f.Close()
	r.Format = string(f.Format)
	r.Arch = f.Arch()
	r.BuildID = f.BuildID()
	s.summarize(r, d)
	return r
}

// summarize fills r from d.
func (s *Scanner) summarize(r *Report, d *dwarf.Data) {
	r.Units = len(d.Units)
	r.PartialUnits = d.PartialUnits()
	r.LineRows = d.Lines.RowCount()

	if d.InfoErr != nil {
		r.Warnings = append(r.Warnings, d.InfoErr.Error())
	}
	for _, cu := range d.Units {
		if cu.Err != nil {
			r.Warnings = append(r.Warnings, cu.Err.Error())
		}
	}
	for _, tab := range d.Lines {
		if tab.Err != nil {
			r.Warnings = append(r.Warnings, tab.Err.Error())
		}
	}

	byProducer := make(map[string]*CompilerUse)
	for _, cu := range d.Units {
		producer := cu.Producer()
		if producer == "" {
			continue
		}
		lang := ""
		if code, ok := cu.Language(); ok {
			lang = provenance.LanguageName(code)
		}
		key := producer + "\x00" + lang
		use := byProducer[key]
		if use == nil {
			use = &CompilerUse{Compiler: *provenance.Parse(producer), LanguageName: lang}
			byProducer[key] = use
			r.Compilers = append(r.Compilers, use)
		}
		use.Units++
	}
	sort.SliceStable(r.Compilers, func(i, j int) bool {
		return r.Compilers[i].Units > r.Compilers[j].Units
	})

	seen := make(map[string]bool)
	for _, p := range d.SourcePaths() {
		p = s.cfg.SubstitutePath.Substitute(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		r.Sources = append(r.Sources, p)
	}
	sort.Strings(r.Sources)
}
