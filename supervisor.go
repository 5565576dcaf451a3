package rover

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Node is anything the supervisor can own the lifetime of: the
// localizer, the costmap, the pathfinder, or any sensor collaborator.
// Name() is stable for the node's lifetime.
type Node interface {
	Name() string
	Run(ctx context.Context) error
}

// Supervisor owns a set of Nodes, starts them together, routes
// interrupt-driven shutdown to all of them, and joins on their
// completion.
type Supervisor struct {
	logger Logger
	nodes  []Node
}

// NewSupervisor builds a supervisor logging through logger (never
// nil; pass NewNopLogger() to discard).
func NewSupervisor(logger Logger) *Supervisor {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Supervisor{logger: logger}
}

// Register adds a node to be started by the next Run call.
func (sv *Supervisor) Register(n Node) {
	sv.nodes = append(sv.nodes, n)
}

// Run starts every registered node, cancels them all on SIGINT (or on
// the parent context's cancellation), and blocks until every node has
// returned. A node's error or panic is logged by name and does not stop
// the other nodes; it only removes that node from the surviving set.
func (sv *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	runID := uuid.NewString()
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range sv.nodes {
		n := n
		g.Go(func() (err error) {
			sv.logger.Infof("[run %s] starting %s", runID, n.Name())
			defer func() {
				if r := recover(); r != nil {
					sv.logger.Errorf("[run %s] %s panicked: %v", runID, n.Name(), r)
				}
			}()
			if runErr := n.Run(gctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
				sv.logger.Errorf("[run %s] %s failed: %v", runID, n.Name(), runErr)
			} else {
				sv.logger.Infof("[run %s] %s stopped", runID, n.Name())
			}
			return nil
		})
	}
	return g.Wait()
}
