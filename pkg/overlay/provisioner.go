package overlay

import (
	"context"
	"errors"
	"time"

	"sdngate/pkg/flows"
)

const (
	ActionAllow = "allow"
	ActionLock  = "lock"
)

// NodeWriter is the per-node half of the provisioner. *Controller satisfies it.
type NodeWriter interface {
	InstallAllowSet(ctx context.Context, node string) error
	ClearAllFlows(ctx context.Context, node string) error
}

// Result describes a completed (or aborted) multi-node operation.
type Result struct {
	Action   string
	Nodes    []string
	Applied  []string
	Cleared  bool
	Failed   string
	Err      error
	Started  time.Time
	Duration time.Duration
}

// OK reports whether every node succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Observer receives every Result after the operation finishes.
type Observer func(ctx context.Context, res Result)

// Provisioner walks the configured node list sequentially. The first failing
// node aborts the rest.
type Provisioner struct {
	Writer    NodeWriter
	Nodes     []string
	Observers []Observer
	now       func() time.Time
}

func NewProvisioner(w NodeWriter, nodes []string, observers ...Observer) *Provisioner {
	return &Provisioner{
		Writer:    w,
		Nodes:     append([]string(nil), nodes...),
		Observers: observers,
		now:       time.Now,
	}
}

// Allow installs the allow set on every node.
func (p *Provisioner) Allow(ctx context.Context) Result {
	res := p.run(ctx, ActionAllow, p.Writer.InstallAllowSet)
	if res.OK() {
		res.Applied = flows.Labels(flows.AllowSet())
	}
	p.notify(ctx, res)
	return res
}

// Lock clears table 0 on every node.
func (p *Provisioner) Lock(ctx context.Context) Result {
	res := p.run(ctx, ActionLock, p.Writer.ClearAllFlows)
	res.Cleared = res.OK()
	p.notify(ctx, res)
	return res
}

func (p *Provisioner) run(ctx context.Context, action string, step func(context.Context, string) error) Result {
	now := p.now
	if now == nil {
		now = time.Now
	}
	res := Result{Action: action, Nodes: append([]string(nil), p.Nodes...), Started: now().UTC()}
	for _, node := range p.Nodes {
		if err := step(ctx, node); err != nil {
			res.Err = err
			res.Failed = node
			var ne *NodeError
			if errors.As(err, &ne) {
				res.Failed = ne.Node
			}
			break
		}
	}
	res.Duration = now().Sub(res.Started)
	return res
}

func (p *Provisioner) notify(ctx context.Context, res Result) {
	for _, o := range p.Observers {
		if o != nil {
			o(ctx, res)
		}
	}
}
