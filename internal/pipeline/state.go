package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// stageOrder is the happy path through one document extraction. Every
// run walks it front to back; the only branch is into StageFailed.
var stageOrder = []model.Stage{
	model.StageLoaded,
	model.StagePagesRead,
	model.StageTablesReconstructed,
	model.StageTablesMerged,
	model.StageRecordsNormalized,
	model.StageRecordsValidated,
	model.StagePersisted,
}

// Next returns the stage after s on the happy path. ok is false for
// the last stage, for StageFailed, and for unknown stages.
func Next(s model.Stage) (model.Stage, bool) {
	for i, stage := range stageOrder {
		if stage == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// CanTransition reports whether from -> to is a legal stage move:
// exactly one step forward, or any stage into StageFailed. The empty
// stage is the pre-run state and admits only StageLoaded.
func CanTransition(from, to model.Stage) bool {
	if to == model.StageFailed {
		return true
	}
	if from == "" {
		return to == model.StageLoaded
	}
	next, ok := Next(from)
	return ok && next == to
}

// stageCursor tracks the current stage of a running extraction and
// rejects out-of-order moves. A rejected move is a programming error
// in the orchestrator, not a data problem.
type stageCursor struct {
	current model.Stage
}

func newStageCursor() *stageCursor {
	return &stageCursor{}
}

func (c *stageCursor) advance(to model.Stage) error {
	if !CanTransition(c.current, to) {
		return eris.Errorf("pipeline: illegal stage transition %s -> %s", c.current, to)
	}
	c.current = to
	return nil
}
