package runstate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

// Controller exposes the user-facing controls of one run and the checkpoint
// its work loops call between items. The run's context is cancelled once the
// machine reaches a terminal status.
type Controller struct {
	runID   string
	machine *Machine
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// NewController binds a controller to m. The returned controller's Context
// derives from parent.
func NewController(parent context.Context, runID string, m *Machine, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		runID:   runID,
		machine: m,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("runstate").With(zap.String("run_id", runID)),
	}
	m.OnTransition(func(from, to schemas.RunStatus) {
		c.logger.Info("Run state changed.", zap.String("from", string(from)), zap.String("to", string(to)))
		if to.IsTerminal() {
			cancel()
		}
	})
	return c
}

// RunID identifies the controlled run.
func (c *Controller) RunID() string { return c.runID }

// Machine returns the underlying state machine.
func (c *Controller) Machine() *Machine { return c.machine }

// Status is a shorthand for Machine().Status().
func (c *Controller) Status() schemas.RunStatus { return c.machine.Status() }

// Context is cancelled when the run is cancelled, fails or completes.
func (c *Controller) Context() context.Context { return c.ctx }

// Release frees the run context without a transition.
func (c *Controller) Release() { c.cancel() }

// Start moves a pending run into discovery.
func (c *Controller) Start() error {
	return c.machine.TransitionFrom([]schemas.RunStatus{schemas.RunPending}, schemas.RunRunning)
}

// Pause suspends discovery at the next checkpoint.
func (c *Controller) Pause() error {
	return c.machine.TransitionFrom([]schemas.RunStatus{schemas.RunRunning}, schemas.RunPaused)
}

// Resume continues a paused discovery.
func (c *Controller) Resume() error {
	return c.machine.TransitionFrom([]schemas.RunStatus{schemas.RunPaused}, schemas.RunRunning)
}

// Stop ends discovery early. What was found so far is kept and the run
// becomes ready for execution; queued items are left untouched.
func (c *Controller) Stop() error {
	return c.machine.TransitionFrom([]schemas.RunStatus{schemas.RunRunning, schemas.RunPaused}, schemas.RunReadyForExecution)
}

// Cancel aborts the run and cancels its context.
func (c *Controller) Cancel() error {
	return c.machine.Transition(schemas.RunCancelled)
}

// Fail ends a discovering or executing run with an error status.
func (c *Controller) Fail() error {
	return c.machine.TransitionFrom([]schemas.RunStatus{schemas.RunRunning, schemas.RunExecuting}, schemas.RunFailed)
}

// Checkpoint returns nil while the run may proceed. It blocks while the run is
// paused and returns ErrStopped or ErrCancelled once the run has left
// discovery or execution.
func (c *Controller) Checkpoint(ctx context.Context) error {
	logged := false
	for {
		status, changed := c.machine.watch()
		switch status {
		case schemas.RunRunning, schemas.RunExecuting:
			if logged {
				c.logger.Info("Resuming after pause.")
			}
			return nil
		case schemas.RunPaused:
			if !logged {
				c.logger.Info("Paused at checkpoint.")
				logged = true
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return ctx.Err()
			}
		case schemas.RunReadyForExecution:
			return ErrStopped
		case schemas.RunCancelled:
			return ErrCancelled
		default:
			return fmt.Errorf("checkpoint reached in status %s", status)
		}
	}
}
