package stage

import (
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/jsonfile"
	"github.com/sells-group/tweet-digest/internal/model"
)

const (
	stateFile    = "state.json"
	snapshotFile = "input.json"
)

// Checkpoint persists the StageState of one stage directory.
type Checkpoint struct {
	name    string
	dir     string
	nowFunc func() time.Time
}

// NewCheckpoint returns the checkpoint store for a stage directory.
func NewCheckpoint(name, dir string) *Checkpoint {
	return &Checkpoint{name: name, dir: dir, nowFunc: time.Now}
}

// Path returns the state file location.
func (c *Checkpoint) Path() string { return filepath.Join(c.dir, stateFile) }

// SnapshotPath returns the location of the frozen input list.
func (c *Checkpoint) SnapshotPath() string { return filepath.Join(c.dir, snapshotFile) }

// Load returns the stored state. A missing file yields found == false. An
// unreadable or invalid file is logged and treated as missing.
func (c *Checkpoint) Load() (state model.StageState, found bool) {
	var s model.StageState
	ok, err := jsonfile.Read(c.Path(), &s)
	if !ok {
		return model.StageState{}, false
	}
	if err == nil {
		err = s.Validate()
	}
	if err != nil {
		zap.L().Warn("stage: discarding invalid state",
			zap.String("stage", c.name),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return model.StageState{}, false
	}
	return s, true
}

// Save validates and atomically writes the state.
func (c *Checkpoint) Save(s model.StageState) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.UpdatedAt = c.nowFunc().UTC()
	return jsonfile.WriteAtomic(c.Path(), s)
}

// Reset deletes the state and the input snapshot.
func (c *Checkpoint) Reset() error {
	if err := jsonfile.Remove(c.Path()); err != nil {
		return err
	}
	return jsonfile.Remove(c.SnapshotPath())
}
