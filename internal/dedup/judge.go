package dedup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tweet-digest/internal/llm"
)

const judgePrompt = `Analyze these tweets and determine if they contain the same news or information.
If they are duplicates, select the most informative one, preferring specific details,
complete context, clear explanations and concrete numbers.

Tweets to analyze:
%s

Return ONLY a JSON object in this exact format:
{
    "are_duplicates": boolean,
    "keep_item_ids": [integer array of indices to keep],
    "reason": "string explaining the decision",
    "confidence": float between 0 and 1
}`

// LLMJudge asks an LLM which entries of a batch to keep.
type LLMJudge struct {
	caller *llm.Caller
}

// NewLLMJudge creates a judge backed by caller.
func NewLLMJudge(caller *llm.Caller) *LLMJudge {
	return &LLMJudge{caller: caller}
}

type judgeEntry struct {
	ID int `json:"id"`
	Entry
}

// Judge implements Judge. An empty object reply is returned as an
// incomplete judgment.
func (j *LLMJudge) Judge(ctx context.Context, batch []Entry) (Judgment, error) {
	listed := make([]judgeEntry, len(batch))
	for i, e := range batch {
		listed[i] = judgeEntry{ID: i, Entry: e}
	}
	body, err := json.MarshalIndent(listed, "", "  ")
	if err != nil {
		return Judgment{}, eris.Wrap(err, "dedup: marshal batch")
	}

	v, _, err := llm.CallJSON[Judgment](ctx, j.caller, fmt.Sprintf(judgePrompt, body))
	if err != nil {
		return Judgment{}, eris.Wrap(err, "dedup: judge batch")
	}
	return v, nil
}
