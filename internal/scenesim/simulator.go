// Package scenesim is a synthetic scene that produces the mutation events a
// real scene graph would: objects orbit, recolour and are periodically
// destroyed and respawned into the same slot.
package scenesim

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/ChuLiYu/framecore/internal/events"
	"github.com/ChuLiYu/framecore/internal/jobs"
	"github.com/ChuLiYu/framecore/internal/logging"
	"github.com/ChuLiYu/framecore/pkg/types"
)

// Config configures a Simulator.
type Config struct {
	Objects       int     // live object slots
	MovingPercent float64 // share of objects that move every frame, 0..1
	RespawnEvery  uint64  // destroy and respawn one object every N frames; 0 disables
	Seed          uint64
}

// Simulator mutates a fixed set of object slots. Step is called from the
// frame loop goroutine only.
type Simulator struct {
	cfg   Config
	sched *jobs.Scheduler
	bus   *events.Bus
	rng   *rand.Rand

	phase     []float32
	speed     []float32
	transform []types.Mat4

	spawned   bool
	respawned uint64
}

// New creates a simulator for cfg.Objects slots.
func New(sched *jobs.Scheduler, bus *events.Bus, cfg Config) *Simulator {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	s := &Simulator{
		cfg:       cfg,
		sched:     sched,
		bus:       bus,
		rng:       rng,
		phase:     make([]float32, cfg.Objects),
		speed:     make([]float32, cfg.Objects),
		transform: make([]types.Mat4, cfg.Objects),
	}
	for i := range s.phase {
		s.phase[i] = rng.Float32() * 2 * math.Pi
		s.speed[i] = 0.5 + rng.Float32()
	}
	return s
}

// Respawned returns how many objects have been destroyed and respawned.
func (s *Simulator) Respawned() uint64 { return s.respawned }

// Step advances the scene to frame. The first call spawns every object.
// Transforms are computed in parallel on the scheduler; events are
// dispatched afterwards from the calling goroutine.
func (s *Simulator) Step(ctx context.Context, frame uint64) {
	if !s.spawned {
		for slot := range s.cfg.Objects {
			s.spawn(slot, frame)
		}
		s.spawned = true
		return
	}

	moving := int(float64(s.cfg.Objects) * s.cfg.MovingPercent)
	t := float32(frame) / 60
	jobs.ParallelFor(ctx, s.sched, moving, 0, func(_ context.Context, slot int) {
		s.transform[slot] = orbit(s.phase[slot]+t*s.speed[slot], float32(slot))
	})
	for slot := 0; slot < moving; slot++ {
		events.Dispatch(s.bus, types.TransformChanged{Slot: slot, Transform: s.transform[slot]})
	}

	if s.cfg.RespawnEvery > 0 && frame%s.cfg.RespawnEvery == 0 && s.cfg.Objects > 0 {
		slot := s.rng.IntN(s.cfg.Objects)
		events.Dispatch(s.bus, types.ObjectDestroyed{Slot: slot})
		s.spawn(slot, frame)
		s.respawned++
		logging.Logger().Debug("object respawned", "slot", slot, "frame", frame)
	}
}

func (s *Simulator) spawn(slot int, frame uint64) {
	s.transform[slot] = orbit(s.phase[slot]+float32(frame)/60*s.speed[slot], float32(slot))

	flags := types.InstanceVisible
	if slot%2 == 0 {
		flags |= types.InstanceCastsShadow
	}
	events.Dispatch(s.bus, types.TransformChanged{Slot: slot, Transform: s.transform[slot]})
	events.Dispatch(s.bus, types.MaterialChanged{Slot: slot, Params: types.MaterialParams{
		BaseColor: [4]float32{s.rng.Float32(), s.rng.Float32(), s.rng.Float32(), 1},
		Roughness: s.rng.Float32(),
		Metallic:  float32(slot % 2),
	}})
	events.Dispatch(s.bus, types.InstanceChanged{Slot: slot, Data: types.InstanceData{
		MeshID:       uint32(s.rng.IntN(16)),
		MaterialSlot: uint32(slot),
		Flags:        flags,
	}})
}

// orbit places an object on a circle of radius r at angle a.
func orbit(a, r float32) types.Mat4 {
	sin, cos := math.Sincos(float64(a))
	return types.Translation(r*float32(cos), 0, r*float32(sin))
}
