package model

import (
	"sort"
	"time"
)

// DigestEntry is one published line of a digest.
type DigestEntry struct {
	Attribution string `json:"attribution" validate:"required"`
	Content     string `json:"content" validate:"required"`
	URL         string `json:"url"`
}

// DigestSection is the news output for one category.
type DigestSection struct {
	Category      string                   `json:"category" validate:"required"`
	Date          string                   `json:"date"`
	// Batch tells apart several digests of one category on the same date.
	Batch         string                   `json:"batch,omitempty"`
	Subcategories map[string][]DigestEntry `json:"subcategories" validate:"required,min=1,dive,keys,required,endkeys,min=1,dive"`
}

// Key identifies the section across news runs and send receipts.
func (s DigestSection) Key() string { return sectionKey(s.Date, s.Category, s.Batch) }

// Validate checks the section shape.
func (s DigestSection) Validate() error {
	if err := Validator().Struct(s); err != nil {
		return fieldError(err, s.Category)
	}
	return nil
}

// SubcategoryNames returns the section's subcategories in stable order.
func (s DigestSection) SubcategoryNames() []string {
	names := make([]string, 0, len(s.Subcategories))
	for name := range s.Subcategories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EntryCount returns the total number of entries in the section.
func (s DigestSection) EntryCount() int {
	n := 0
	for _, entries := range s.Subcategories {
		n += len(entries)
	}
	return n
}

// Digest is the finalized file consumed by senders:
// {category: {subcategory: [entry]}}.
type Digest map[string]map[string][]DigestEntry

// NewDigest assembles sections into the sender file shape.
func NewDigest(sections []DigestSection) Digest {
	d := make(Digest, len(sections))
	for _, s := range sections {
		d[s.Category] = s.Subcategories
	}
	return d
}

// Sections converts a digest back into sections ordered by category.
func (d Digest) Sections(date string) []DigestSection {
	cats := make([]string, 0, len(d))
	for c := range d {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	out := make([]DigestSection, 0, len(cats))
	for _, c := range cats {
		out = append(out, DigestSection{Category: c, Date: date, Subcategories: d[c]})
	}
	return out
}

// SendReceipt records a section delivered to its channels.
type SendReceipt struct {
	Category string    `json:"category"`
	Date     string    `json:"date"`
	Batch    string    `json:"batch,omitempty"`
	Channels []string  `json:"channels"`
	Messages int       `json:"messages"`
	SentAt   time.Time `json:"sent_at"`
}

// Key identifies the delivered section.
func (r SendReceipt) Key() string { return sectionKey(r.Date, r.Category, r.Batch) }

func sectionKey(date, category, batch string) string {
	if batch == "" {
		return date + "/" + category
	}
	return date + "/" + category + "/" + batch
}
