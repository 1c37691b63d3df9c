package filter

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/stage"
)

// Sender delivers a digest section to its chat channels.
type Sender interface {
	Send(ctx context.Context, section model.DigestSection) (model.SendReceipt, error)
}

// NewSendStage builds the stage that publishes digest sections. Sections
// that already have a receipt are never sent again.
func NewSendStage(paths Paths, cfg config.StageConfig, sender Sender) *stage.Runner[model.DigestSection, model.SendReceipt] {
	input := filepath.Join(paths.StageDir(StageNews), newsFile)
	receipts := filepath.Join(paths.StageDir(StageSend), receiptsFile)

	load := func(_ context.Context, _ string) ([]model.DigestSection, error) {
		sections, err := loadStageOutput[model.DigestSection](StageSend, input)
		if err != nil || len(sections) == 0 {
			return nil, err
		}
		sent, err := loadStageOutput[model.SendReceipt](StageSend, receipts)
		if err != nil {
			return nil, err
		}
		done := make(map[string]bool, len(sent))
		for _, r := range sent {
			done[r.Key()] = true
		}
		pending := make([]model.DigestSection, 0, len(sections))
		for _, s := range sections {
			key := s.Key()
			if done[key] {
				zap.L().Info("send: section already delivered", zap.String("section", key))
				continue
			}
			pending = append(pending, s)
		}
		if len(pending) == 0 {
			return nil, nil
		}
		return pending, nil
	}
	transform := func(ctx context.Context, s model.DigestSection) (model.SendReceipt, bool, error) {
		if s.EntryCount() == 0 {
			return model.SendReceipt{}, false, nil
		}
		receipt, err := sender.Send(ctx, s)
		if err != nil {
			return model.SendReceipt{}, false, eris.Wrapf(err, "send: deliver %s/%s", s.Date, s.Category)
		}
		return receipt, true, nil
	}

	r := stage.NewRunner(stage.Config{
		Name:        StageSend,
		Dir:         paths.StageDir(StageSend),
		OutputFile:  receiptsFile,
		ChunkSize:   cfg.ChunkSize,
		ChunkDelay:  cfg.ChunkDelay,
		Concurrency: cfg.Concurrency,
	}, load, transform)
	r.Key = func(rc model.SendReceipt) string { return rc.Key() }
	return r
}
