package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/tweet-digest/internal/model"
)

const alphaPrompt = `Analyze this content for HIGH-QUALITY ALPHA SIGNALS in the %s category.
If the content meets the criteria, return ONLY the original content in JSON format.
If it does not meet the criteria, return an empty JSON object {}.

Category focus:
%s

Content details:
Text: %s
Author: %s
URL: %s%s

Scoring criteria (do not include these in the output):
1. Relevance (0-1): does the content contain actionable alpha? Must score %.2f or more.
   Concrete, time-sensitive alpha with clear action points and a direct mention of the ecosystem.
2. Significance (0-1): how important is this for %s? Must score 0.7 or more.
   It must affect ecosystem value or token price.
3. Impact (0-1): what measurable effects will this have? Must score 0.6 or more.
   Prefer quantifiable metrics such as TVL, price and volume.
4. Ecosystem relevance (0-1): how does this contribute to market dynamics? Must score 0.7 or more.

If ALL criteria are met, return ONLY this JSON structure:
{
    "tweet": "<original text>",
    "author": "%s",
    "url": "%s",
    "quoted_content": "<quoted text or empty>",
    "reposted_content": "<reposted text or empty>",
    "tweet_id": "%s"
}

If ANY criterion is not met, return: {}`

const contentPrompt = `Extract the most relevant part of this tweet. Keep it word-for-word, no paraphrasing.

Tweet content: %s
Reposted content: %s
Quoted content: %s

Return ONLY a JSON object in this exact format:
{"content": "<extracted text>"}`

const newsPrompt = `You are analyzing tweets for the %s category. First, validate each tweet's relevance using this category context:

CATEGORY CONTEXT:
%s

Then group the relevant tweets into 2-4 logical subcategories. Exclude any tweets that do not match the category context.

TWEETS TO ANALYZE:
%s

REQUIRED OUTPUT FORMAT:
{
    "%s": {
        "Subcategory Name": [
            {"author": "handle", "text": "exact tweet text", "url": "tweet_url"}
        ]
    }
}

Rules:
1. Only include tweets that clearly relate to %s based on the category context.
2. Create 2-4 clear, descriptive subcategories for the relevant tweets.
3. Each relevant tweet must be in exactly one subcategory.
4. Preserve exact tweet text and metadata.
5. Exclude irrelevant tweets completely.`

func buildAlphaPrompt(it model.Item, category string, focus []string, threshold float64) string {
	var extra strings.Builder
	if q := it.QuotedText(); q != "" {
		extra.WriteString("\nQuoted content: " + q)
	}
	if r := it.RepostedText(); r != "" {
		extra.WriteString("\nReposted content: " + r)
	}
	return fmt.Sprintf(alphaPrompt,
		category, focusLines(focus),
		it.Text, it.Author, it.URL, extra.String(),
		threshold, category,
		it.Author, it.URL, it.ID,
	)
}

func buildContentPrompt(it model.FilteredItem) string {
	return fmt.Sprintf(contentPrompt, it.Text, it.RepostedContent, it.QuotedContent)
}

type newsTweet struct {
	Author string `json:"author"`
	Text   string `json:"text"`
	URL    string `json:"url"`
}

func buildNewsPrompt(category string, focus []string, items []model.SummaryItem) (string, error) {
	tweets := make([]newsTweet, len(items))
	for i, it := range items {
		tweets[i] = newsTweet{Author: it.Author, Text: it.Summary, URL: it.URL}
	}
	body, err := json.MarshalIndent(tweets, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(newsPrompt, category, focusLines(focus), body, category, category), nil
}

func focusLines(focus []string) string {
	if len(focus) == 0 {
		return "- General news and updates"
	}
	lines := make([]string, len(focus))
	for i, f := range focus {
		lines[i] = "- " + f
	}
	return strings.Join(lines, "\n")
}
