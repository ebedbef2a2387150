package training

import (
	"fmt"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// CheckpointError reports a failed save or restore of model weights.
type CheckpointError struct {
	Op     string
	Reason string
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s: %s", e.Op, e.Reason)
}

func checkpointf(op, format string, args ...any) error {
	return errors.WithStack(&CheckpointError{Op: op, Reason: fmt.Sprintf(format, args...)})
}

// CheckpointSink saves and restores the weights of the model under training.
// The loop saves on every validation improvement and restores the best weights
// once training finishes, so the returned model is the best validation one,
// not the last.
type CheckpointSink interface {
	// Save snapshots the current weights, replacing any previous snapshot.
	Save() error

	// Restore puts the last saved weights back. Restoring before any Save
	// fails with a CheckpointError.
	Restore() error
}

// MemorySink snapshots the variables of a model context in memory. It keeps
// training self-contained when no checkpoint directory is configured and costs
// one host copy of the weights per improvement.
type MemorySink struct {
	ctx      *context.Context
	snapshot map[string]*tensors.Tensor
}

// NewMemorySink creates an in-memory sink over the given model context.
func NewMemorySink(ctx *context.Context) *MemorySink {
	return &MemorySink{ctx: ctx}
}

// Save implements CheckpointSink.
func (s *MemorySink) Save() error {
	snapshot := make(map[string]*tensors.Tensor)
	s.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Value() == nil {
			return
		}
		// Value() materializes a host copy, FromAnyValue re-tensors it, so the
		// snapshot is detached from further training updates.
		snapshot[v.Scope()+"/"+v.Name()] = tensors.FromAnyValue(v.Value().Value())
	})
	s.snapshot = snapshot
	return nil
}

// Target names the snapshot location for log messages.
func (s *MemorySink) Target() string { return "the in-memory snapshot" }

// Restore implements CheckpointSink.
func (s *MemorySink) Restore() error {
	if s.snapshot == nil {
		return checkpointf("restore", "no weights snapshot was saved")
	}
	var missing []string
	s.ctx.EnumerateVariables(func(v *context.Variable) {
		saved, found := s.snapshot[v.Scope()+"/"+v.Name()]
		if !found {
			missing = append(missing, v.Scope()+"/"+v.Name())
			return
		}
		v.SetValue(saved)
	})
	if len(missing) > 0 {
		return checkpointf("restore", "snapshot is missing %d variables, first: %s",
			len(missing), missing[0])
	}
	return nil
}

// SaverRestorer adapts any type exposing Save/Load-style directory persistence
// to the CheckpointSink contract.
type SaverRestorer struct {
	save    func() error
	restore func() error
	target  string
	saved   bool
}

// NewSink wraps save and restore callbacks into a CheckpointSink. The restore
// callback only runs after at least one successful save.
func NewSink(save, restore func() error) *SaverRestorer {
	return &SaverRestorer{save: save, restore: restore}
}

// WithTarget labels the sink's storage destination, e.g. a checkpoint
// directory, for log messages. Returns the sink for chaining.
func (s *SaverRestorer) WithTarget(target string) *SaverRestorer {
	s.target = target
	return s
}

// Target names the storage destination for log messages.
func (s *SaverRestorer) Target() string {
	if s.target == "" {
		return "the checkpoint sink"
	}
	return s.target
}

// Save implements CheckpointSink.
func (s *SaverRestorer) Save() error {
	if err := s.save(); err != nil {
		return checkpointf("save", "%v", err)
	}
	s.saved = true
	return nil
}

// Restore implements CheckpointSink.
func (s *SaverRestorer) Restore() error {
	if !s.saved {
		return checkpointf("restore", "no weights snapshot was saved")
	}
	if err := s.restore(); err != nil {
		return checkpointf("restore", "%v", err)
	}
	return nil
}
