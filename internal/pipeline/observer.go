package pipeline

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/pkg/models"
)

// Observer receives stage transition notifications while a run executes.
// Implementations must be safe for concurrent use; runs for different files
// overlap.
type Observer interface {
	StageStarted(fileID uuid.UUID, stage models.Stage)
	StageFinished(fileID uuid.UUID, stage models.Stage, err error)
}

// noopObserver stands in when no observer is registered.
type noopObserver struct{}

func (noopObserver) StageStarted(uuid.UUID, models.Stage)         {}
func (noopObserver) StageFinished(uuid.UUID, models.Stage, error) {}

// LogObserver logs every stage transition.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) StageStarted(fileID uuid.UUID, stage models.Stage) {
	o.logger.Info("stage started", "file_id", fileID, "stage", stage)
}

func (o *LogObserver) StageFinished(fileID uuid.UUID, stage models.Stage, err error) {
	if err != nil {
		o.logger.Warn("stage failed", "file_id", fileID, "stage", stage, "error", err)
		return
	}
	o.logger.Info("stage completed", "file_id", fileID, "stage", stage)
}

var _ Observer = (*LogObserver)(nil)
