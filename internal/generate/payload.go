package generate

import (
	"encoding/json"

	"gend/pkg/types"
)

// PayloadBuilder produces the opaque job payload submitted to a backend.
// The node-graph/workflow template layer that builds real payloads lives
// outside this module; anything satisfying this interface plugs in.
type PayloadBuilder interface {
	Build(req types.GenerateRequest, imageIndex int, seed int64) (json.RawMessage, error)
}

// BuilderFunc adapts a function to PayloadBuilder.
type BuilderFunc func(req types.GenerateRequest, imageIndex int, seed int64) (json.RawMessage, error)

// Build implements PayloadBuilder.
func (f BuilderFunc) Build(req types.GenerateRequest, imageIndex int, seed int64) (json.RawMessage, error) {
	return f(req, imageIndex, seed)
}

// defaultBuilder passes the request parameters through as a flat payload.
type defaultBuilder struct{}

func (defaultBuilder) Build(req types.GenerateRequest, imageIndex int, seed int64) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"model":           req.Model,
		"prompt":          req.Prompt,
		"negative_prompt": req.NegativePrompt,
		"steps":           req.Steps,
		"width":           req.Width,
		"height":          req.Height,
		"seed":            seed,
		"image_index":     imageIndex,
	})
}
