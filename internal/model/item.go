// Package model defines the records that flow between pipeline stages.
package model

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Item is a tweet as produced by a source and normalized by the process stage.
type Item struct {
	ID        string    `json:"id" validate:"required"`
	Author    string    `json:"authorHandle"`
	Text      string    `json:"text" validate:"required"`
	URL       string    `json:"url,omitempty" validate:"omitempty,url"`
	Column    string    `json:"column,omitempty"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	Quoted    *Item     `json:"quotedContent,omitempty" validate:"-"`
	Reposted  *Item     `json:"repostedContent,omitempty" validate:"-"`
}

// Validate checks required fields. Nested quoted/reposted items are not
// required to carry an id.
func (i Item) Validate() error {
	if err := Validator().Struct(i); err != nil {
		return fieldError(err, i.ID)
	}
	return nil
}

// QuotedText returns the quoted sub-item's text, if any.
func (i Item) QuotedText() string {
	if i.Quoted == nil {
		return ""
	}
	return i.Quoted.Text
}

// RepostedText returns the reposted sub-item's text, if any.
func (i Item) RepostedText() string {
	if i.Reposted == nil {
		return ""
	}
	return i.Reposted.Text
}

// FilteredItem is an item that passed the alpha relevance filter.
type FilteredItem struct {
	ID              string    `json:"tweet_id" validate:"required"`
	Text            string    `json:"tweet" validate:"required"`
	Author          string    `json:"author"`
	URL             string    `json:"url,omitempty"`
	QuotedContent   string    `json:"quoted_content,omitempty"`
	RepostedContent string    `json:"reposted_content,omitempty"`
	Column          string    `json:"column"`
	Category        string    `json:"category"`
	OriginalDate    time.Time `json:"original_date,omitzero"`
	ProcessedDate   string    `json:"processed_date"`
}

// Validate checks required fields.
func (f FilteredItem) Validate() error {
	if err := Validator().Struct(f); err != nil {
		return fieldError(err, f.ID)
	}
	return nil
}

// SummaryItem is a filtered item reduced to its most relevant verbatim span.
type SummaryItem struct {
	FilteredItem
	Summary string `json:"content" validate:"required"`
}

// Validate checks required fields.
func (s SummaryItem) Validate() error {
	if err := Validator().Struct(s); err != nil {
		return fieldError(err, s.ID)
	}
	return nil
}

func fieldError(err error, id string) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return eris.Wrap(err, "model: validate")
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
	}
	if id == "" {
		id = "<no id>"
	}
	return eris.Errorf("model: invalid record %s: %s", id, strings.Join(fields, ", "))
}
