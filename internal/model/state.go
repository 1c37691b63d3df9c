package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// StageState is the persisted checkpoint of one stage.
type StageState struct {
	LastProcessedDate string    `json:"last_processed_date"`
	LastChunk         int       `json:"last_chunk"`
	TotalChunks       int       `json:"total_chunks"`
	Completed         bool      `json:"completed"`
	// ChunkSize is recorded when the size was derived from the input.
	ChunkSize         int       `json:"chunk_size,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitzero"`
}

// NewStageState returns the default state for a date.
func NewStageState(date string) StageState {
	return StageState{LastProcessedDate: date}
}

// Validate enforces 0 <= last_chunk <= total_chunks and that a completed
// state has consumed every chunk.
func (s StageState) Validate() error {
	if s.LastProcessedDate != "" {
		if _, err := ParseDateKey(s.LastProcessedDate); err != nil {
			return err
		}
	}
	if s.LastChunk < 0 || s.TotalChunks < 0 || s.ChunkSize < 0 {
		return eris.Errorf("model: negative cursor (last_chunk=%d total_chunks=%d)", s.LastChunk, s.TotalChunks)
	}
	if s.LastChunk > s.TotalChunks {
		return eris.Errorf("model: last_chunk %d exceeds total_chunks %d", s.LastChunk, s.TotalChunks)
	}
	if s.Completed && s.LastChunk != s.TotalChunks {
		return eris.Errorf("model: completed state at chunk %d of %d", s.LastChunk, s.TotalChunks)
	}
	return nil
}

// Progress returns the completed percentage in [0, 100].
func (s StageState) Progress() float64 {
	if s.Completed {
		return 100
	}
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(s.LastChunk) / float64(s.TotalChunks) * 100
}

// OutputMetadata describes an accumulated stage output file.
type OutputMetadata struct {
	ProcessedDate string    `json:"processed_date"`
	TotalTweets   int       `json:"total_tweets"`
	LastUpdate    time.Time `json:"last_update"`
	Dates         []string  `json:"dates,omitempty"`
}

// StageOutput is the accumulated output of a stage.
type StageOutput[T any] struct {
	Tweets   []T            `json:"tweets"`
	Metadata OutputMetadata `json:"metadata"`
}

// Append adds items produced for date and refreshes the metadata.
func (o *StageOutput[T]) Append(date string, now time.Time, items ...T) {
	o.Tweets = append(o.Tweets, items...)
	o.Metadata.ProcessedDate = date
	o.Metadata.TotalTweets = len(o.Tweets)
	o.Metadata.LastUpdate = now.UTC()
	if n := len(o.Metadata.Dates); n == 0 || o.Metadata.Dates[n-1] != date {
		o.Metadata.Dates = append(o.Metadata.Dates, date)
	}
}
