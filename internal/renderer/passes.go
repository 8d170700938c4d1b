package renderer

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/framecore/internal/jobs"
	"github.com/ChuLiYu/framecore/internal/rendergraph"
	"github.com/ChuLiYu/framecore/pkg/types"
)

// Pass names of the default graph.
const (
	PassShadow = "shadow"
	PassDepth  = "depth"
	PassMain   = "main"
	PassPost   = "post"
)

// drawGrain is how many slots one recording job walks.
const drawGrain = 256

func (r *Renderer) defaultPasses() []rendergraph.Pass {
	return []rendergraph.Pass{
		{Name: PassShadow, Record: r.drawPass(types.InstanceVisible | types.InstanceCastsShadow)},
		{Name: PassDepth, Record: r.drawPass(types.InstanceVisible)},
		{Name: PassMain, After: []string{PassShadow, PassDepth}, Record: r.drawPass(types.InstanceVisible)},
		{Name: PassPost, After: []string{PassMain}, Record: func(context.Context, rendergraph.FrameContext) {
			r.drawCalls.Add(1)
		}},
	}
}

// drawPass records one draw per slot of the frame's replica whose instance
// flags contain want. Slots are walked in parallel batches.
func (r *Renderer) drawPass(want uint32) func(context.Context, rendergraph.FrameContext) {
	return func(ctx context.Context, fc rendergraph.FrameContext) {
		inst := r.instances.Buffers().Current(fc.Replica)
		jobs.ParallelFor(ctx, r.sched, len(inst), drawGrain, func(_ context.Context, slot int) {
			if inst[slot].Flags&want == want {
				r.drawCalls.Add(1)
			}
		})
	}
}

// consume is the backend's read of a frame: it walks the replica the frame
// was recorded against and checks the transforms of drawn slots.
func (r *Renderer) consume(ctx context.Context, replica int) error {
	inst := r.instances.Buffers().Current(replica)
	xf := r.transforms.Buffers().Current(replica)

	for slot, in := range inst {
		if in.Flags&types.InstanceVisible == 0 {
			continue
		}
		if slot >= len(xf) || xf[slot][15] == 0 {
			return fmt.Errorf("replica %d slot %d: instance without transform", replica, slot)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
