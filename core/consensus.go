package core

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Consensus is the minimal external-collaborator stand-in for spec.md §1's
// "Consensus commit-rule logic (the algorithm that selects the next
// certificate to output)" — explicitly out of scope, with the Non-goals
// clause disclaiming any consensus safety/liveness proof. What the Output
// Pipeline needs from Consensus is a real, ordered certificate producer;
// this implementation forwards each incoming header as a Certificate in
// arrival order, acknowledging it on feedback once emitted. It makes no
// claim about the ordering a genuine BFT commit rule would produce across a
// live committee — only that, for a single producer, arrival order is a
// total order.
type Consensus struct {
	gcDepth uint64
	lg      *log.Logger
}

// NewConsensus returns a Consensus carrying gcDepth, the number of rounds of
// DAG history a real commit rule would retain before garbage-collecting
// older vertices (spec.md §4.E, parameters.gc_depth). This stand-in does not
// implement GC; the field is carried so the Process Supervisor's wiring
// matches the upstream constructor shape.
func NewConsensus(gcDepth uint64, lg *log.Logger) *Consensus {
	if lg == nil {
		lg = log.New()
	}
	return &Consensus{gcDepth: gcDepth, lg: lg}
}

// Run consumes headers from in and emits one Certificate per header onto
// out, in arrival order, until in closes or ctx is cancelled. Each emitted
// header's digest is also sent on feedback, non-blocking, mirroring how an
// upstream commit rule would acknowledge a vertex as settled back to the
// Primary.
func (c *Consensus) Run(ctx context.Context, in <-chan Header, feedback chan<- Digest, out chan<- Certificate) error {
	defer close(out)
	for {
		select {
		case h, ok := <-in:
			if !ok {
				return nil
			}
			cert := Certificate{Header: h}
			select {
			case out <- cert:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case feedback <- h.ID:
			default:
				c.lg.Debugf("consensus: feedback channel full, dropping ack for %s", h.ID)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
