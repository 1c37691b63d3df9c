// Package filter builds the pipeline stages: process, alpha, content, news
// and send. Each stage is a stage.Runner with its own loader and per-item
// transform.
package filter

import (
	"path/filepath"
	"strings"
)

// Stage names.
const (
	StageProcess = "process"
	StageAlpha   = "alpha"
	StageContent = "content"
	StageNews    = "news"
	StageSend    = "send"
)

// Paths locates the on-disk pipeline tree under a data root.
type Paths struct {
	Root string
}

// RawDir holds the collector's column files for a date.
func (p Paths) RawDir(date string) string { return filepath.Join(p.Root, "raw", date) }

// RawColumnFile is one source column's tweets for a date.
func (p Paths) RawColumnFile(date, column string) string {
	return filepath.Join(p.RawDir(date), "column_"+column+".json")
}

// ProcessedRoot holds the process stage's checkpoint and per-date outputs.
func (p Paths) ProcessedRoot() string { return filepath.Join(p.Root, "processed") }

// ProcessedDir holds the normalized tweets of a date.
func (p Paths) ProcessedDir(date string) string { return filepath.Join(p.ProcessedRoot(), date) }

// ProcessedFile is the combined normalized tweets of a date.
func (p Paths) ProcessedFile(date string) string {
	return filepath.Join(p.ProcessedDir(date), processedFile)
}

// AlphaDoneFile marks a date whose alpha pass completed.
func (p Paths) AlphaDoneFile(date string) string {
	return filepath.Join(p.ProcessedDir(date), "alpha_done.json")
}

// StageDir is the checkpoint and output directory of a filtered stage.
func (p Paths) StageDir(name string) string { return filepath.Join(p.Root, "filtered", name) }

// ColumnFromFile extracts the column id from a column_<id>.json name.
func ColumnFromFile(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "column_") || !strings.HasSuffix(base, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(base, "column_"), ".json")
	return id, id != ""
}

const (
	processedFile  = "combined_tweets.json"
	quarantineFile = "quarantine.json"
	alphaFile      = "combined_filtered.json"
	contentFile    = "combined_content.json"
	newsFile       = "combined_news.json"
	receiptsFile   = "receipts.json"
)
