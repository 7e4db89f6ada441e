package results

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	evaluation "github.com/taloric/df-evaluation"
	"gopkg.in/yaml.v3"
)

// IndexFile is written into the report directory by ReportIndexer.
const IndexFile = "index.yaml"

// ReportEntry describes one report file.
type ReportEntry struct {
	Name       string    `yaml:"name" json:"name"`
	Format     string    `yaml:"format" json:"format"`
	Size       int64     `yaml:"size" json:"size"`
	ModifiedAt time.Time `yaml:"modified_at" json:"modified_at"`
}

// ReportIndex is the content of IndexFile.
type ReportIndex struct {
	UUID      string        `yaml:"uuid"`
	Generated time.Time     `yaml:"generated"`
	Reports   []ReportEntry `yaml:"reports"`
}

// ReportIndexer records the markdown and yaml reports of a case, and
// optionally uploads them.
type ReportIndexer struct {
	store  ObjectStore
	bucket string
	prefix string
	now    func() time.Time
}

// NewReportIndexer builds an indexer; store may be nil to skip uploads.
func NewReportIndexer(store ObjectStore, bucket, prefix string) *ReportIndexer {
	return &ReportIndexer{store: store, bucket: bucket, prefix: prefix, now: time.Now}
}

func (r *ReportIndexer) Name() string { return "report-index" }

func (r *ReportIndexer) Collect(ctx context.Context, dirs evaluation.CaseDirs) error {
	entries, err := ListReports(dirs.Report, ".md", ".yaml", ".yml")
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	idx := ReportIndex{UUID: dirs.UUID, Generated: r.now().UTC(), Reports: entries}
	raw, err := yaml.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encode report index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dirs.Report, IndexFile), raw, 0o644); err != nil {
		return err
	}

	if r.store == nil {
		return nil
	}
	if err := r.store.EnsureBucket(ctx, r.bucket); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", r.bucket, err)
	}
	for _, e := range entries {
		key := strings.TrimPrefix(filepath.ToSlash(filepath.Join(r.prefix, dirs.UUID, "report", e.Name)), "/")
		if err := r.store.PutFile(ctx, r.bucket, key, filepath.Join(dirs.Report, e.Name), contentType(e.Format)); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}
	return nil
}

// ListReports returns the regular files in dir whose extension is one of
// exts, sorted by name. A missing directory yields no entries.
func ListReports(dir string, exts ...string) ([]ReportEntry, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []ReportEntry
	for _, item := range items {
		if !item.Type().IsRegular() || item.Name() == IndexFile {
			continue
		}
		ext := strings.ToLower(filepath.Ext(item.Name()))
		if !hasExt(exts, ext) {
			continue
		}
		info, err := item.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, ReportEntry{
			Name:       item.Name(),
			Format:     strings.TrimPrefix(ext, "."),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PerformanceReport is a markdown report and its content.
type PerformanceReport struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// PerformanceReports reads every markdown file under the report directory.
func PerformanceReports(dirs evaluation.CaseDirs) ([]PerformanceReport, error) {
	entries, err := ListReports(dirs.Report, ".md")
	if err != nil {
		return nil, err
	}
	out := make([]PerformanceReport, 0, len(entries))
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(dirs.Report, e.Name))
		if err != nil {
			return nil, err
		}
		out = append(out, PerformanceReport{Name: e.Name, Content: string(raw)})
	}
	return out, nil
}

func hasExt(exts []string, ext string) bool {
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}

func contentType(format string) string {
	switch format {
	case "md":
		return "text/markdown"
	case "yaml", "yml":
		return "application/yaml"
	}
	return "application/octet-stream"
}

var _ Collector = (*ReportIndexer)(nil)
