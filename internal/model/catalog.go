package model

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Column is one curated tweet list and the category it feeds.
type Column struct {
	ID              string   `yaml:"id" validate:"required"`
	Category        string   `yaml:"category" validate:"required"`
	TelegramChannel string   `yaml:"telegram_channel"`
	DiscordWebhook  string   `yaml:"discord_webhook"`
	Focus           []string `yaml:"focus"`
}

// Catalog maps column ids to categories and delivery channels.
type Catalog struct {
	Columns []Column `yaml:"columns" validate:"required,min=1,dive"`
}

// DefaultCatalog returns the built-in six-column catalog.
func DefaultCatalog() *Catalog {
	return &Catalog{Columns: []Column{
		{ID: "0", Category: "$TRUMP", TelegramChannel: "TRUMP", DiscordWebhook: "TRUMP", Focus: []string{
			"Meme token on Ethereum named after Donald Trump",
			"Trades mostly on decentralized exchanges",
			"Price tracks political events and social media",
		}},
		{ID: "1", Category: "Stablecoins", TelegramChannel: "STABLECOINS", DiscordWebhook: "STABLECOINS", Focus: []string{
			"Fiat-backed, crypto-backed and algorithmic stable tokens",
			"Major issuers: Tether, Circle, MakerDAO",
			"Supply, reserves, depegs and regulation",
		}},
		{ID: "2", Category: "SEI", TelegramChannel: "SEI", DiscordWebhook: "SEI", Focus: []string{
			"Layer-1 optimized for trading with a native orderbook",
			"Parallel transaction processing and Cosmos IBC",
			"DeFi throughput, TVL and ecosystem launches",
		}},
		{ID: "3", Category: "SUI", TelegramChannel: "SUI", DiscordWebhook: "SUI", Focus: []string{
			"Layer-1 by Mysten Labs using the Move language",
			"Object-centric data model and fast finality",
			"Gaming, NFTs, TVL and ecosystem growth",
		}},
		{ID: "4", Category: "Marketing", TelegramChannel: "MARKETING", DiscordWebhook: "MARKETING", Focus: []string{
			"Community building, campaigns and influencer partnerships",
			"Growth metrics across Twitter, Telegram and Discord",
		}},
		{ID: "5", Category: "Yappers", TelegramChannel: "YAPPERS", DiscordWebhook: "YAPPERS", Focus: []string{
			"Influencer market analysis and project reviews",
			"Early calls on new projects and narratives",
		}},
	}}
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read catalog %s", path)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrapf(err, "model: parse catalog %s", path)
	}
	if err := Validator().Struct(c); err != nil {
		return nil, eris.Wrap(err, "model: invalid catalog")
	}
	seen := make(map[string]bool, len(c.Columns))
	for _, col := range c.Columns {
		if seen[col.ID] {
			return nil, eris.Errorf("model: duplicate column id %q", col.ID)
		}
		seen[col.ID] = true
	}
	return &c, nil
}

// Column returns the column with the given id.
func (c *Catalog) Column(id string) (Column, bool) {
	for _, col := range c.Columns {
		if col.ID == id {
			return col, true
		}
	}
	return Column{}, false
}

// CategoryFor returns the category name of a column id.
func (c *Catalog) CategoryFor(columnID string) string {
	if col, ok := c.Column(columnID); ok {
		return col.Category
	}
	return ""
}

// ByCategory returns the column feeding a category.
func (c *Catalog) ByCategory(category string) (Column, bool) {
	for _, col := range c.Columns {
		if col.Category == category {
			return col, true
		}
	}
	return Column{}, false
}

// Categories returns every category name, sorted.
func (c *Catalog) Categories() []string {
	out := make([]string, 0, len(c.Columns))
	for _, col := range c.Columns {
		out = append(out, col.Category)
	}
	sort.Strings(out)
	return out
}
