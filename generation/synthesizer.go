package generation

import "context"

// Request is the input to the external content synthesizer: the taxonomy
// names from the root category down to the leaf being generated.
type Request struct {
	LeafPath []string `json:"leaf_path"`
}

// Item is one synthesized content unit.
type Item struct {
	Text string `json:"text"`
}

// Result is the synthesizer's structured output.
type Result struct {
	Items []Item `json:"items"`
}

// Synthesizer is the external content-synthesis collaborator. It is treated
// as a slow, untrusted network call: the worker bounds it with a timeout and
// validates the returned payload before persisting anything.
type Synthesizer interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
