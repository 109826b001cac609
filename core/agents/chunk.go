package agents

import "time"

// Chunk is one item of an agent stream. The set of implementations is closed:
// SentenceChunk, AudioChunk, ToolStatusChunk and UnknownChunk.
type Chunk interface {
	isChunk()
}

// SentenceChunk is a piece of text to show and speak. TTSText overrides the
// text sent to synthesis when the spoken form differs from the display.
type SentenceChunk struct {
	Display DisplayText
	TTSText string
	Actions *Actions
}

// AudioChunk carries speech the agent already rendered.
type AudioChunk struct {
	Audio       []byte
	Volumes     []float64
	SliceLength time.Duration
	Display     DisplayText
	Transcript  string
	Actions     *Actions
}

// ToolStatusChunk is relayed to the client as is.
type ToolStatusChunk struct {
	Payload map[string]any
}

// UnknownChunk wraps anything the agent produced that the turn cannot handle.
type UnknownChunk struct {
	Value any
}

func (SentenceChunk) isChunk()   {}
func (AudioChunk) isChunk()      {}
func (ToolStatusChunk) isChunk() {}
func (UnknownChunk) isChunk()    {}

// SpokenText is the text that should be synthesized for the chunk.
func (c SentenceChunk) SpokenText() string {
	if c.TTSText != "" {
		return c.TTSText
	}
	return c.Display.Text
}
