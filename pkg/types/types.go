// Package types defines the renderer-state payloads and the events that flow
// through the event bus between scene producers and the frame loop.
package types

import "time"

// Mat4 is a column-major 4x4 transform.
type Mat4 [16]float32

// Identity returns the identity transform.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a transform that moves by (x, y, z).
func Translation(x, y, z float32) Mat4 {
	m := Identity()
	m[12], m[13], m[14] = x, y, z
	return m
}

// MaterialParams are the per-object shading parameters uploaded to the GPU.
type MaterialParams struct {
	BaseColor [4]float32 `json:"base_color"`
	Roughness float32    `json:"roughness"`
	Metallic  float32    `json:"metallic"`
	Emissive  float32    `json:"emissive"`
}

// InstanceData describes what a slot draws.
type InstanceData struct {
	MeshID       uint32 `json:"mesh_id"`
	MaterialSlot uint32 `json:"material_slot"`
	Flags        uint32 `json:"flags"`
}

// Instance flags.
const (
	InstanceVisible uint32 = 1 << iota
	InstanceCastsShadow
)

// ============================================================================
// Events
// ============================================================================

// FrameStart is dispatched once per frame before any pass is recorded.
// Replica is the buffer replica the frame will consume.
type FrameStart struct {
	Frame   uint64
	Replica int
}

// TransformChanged reports a new world transform for an object slot.
type TransformChanged struct {
	Slot      int
	Transform Mat4
}

// MaterialChanged reports new shading parameters for an object slot.
type MaterialChanged struct {
	Slot   int
	Params MaterialParams
}

// InstanceChanged reports new draw data for an object slot.
type InstanceChanged struct {
	Slot int
	Data InstanceData
}

// ObjectDestroyed reports that a slot was freed and may be reused.
type ObjectDestroyed struct {
	Slot int
}

// PassRecorded is dispatched after a render-graph pass finished recording.
type PassRecorded struct {
	Frame    uint64
	Pass     string
	Duration time.Duration
}

// FrameSubmitted is dispatched after a frame was handed to the backend.
type FrameSubmitted struct {
	Frame   uint64
	Replica int
}
