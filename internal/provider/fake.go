package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/moor/pkg/models"
)

// FakeTurn scripts one model turn for the fake provider.
type FakeTurn struct {
	Blocks []models.Block
	Usage  *Usage

	// Err fails the turn before any content is produced.
	Err error
}

// Fake is a scripted ModelProvider for tests. Each call consumes the next
// turn; requests are captured for assertions.
type Fake struct {
	mu       sync.Mutex
	turns    []FakeTurn
	calls    int
	Requests []*Request
}

// NewFake scripts a provider that plays the given turns in order.
func NewFake(turns ...FakeTurn) *Fake {
	return &Fake{turns: turns}
}

// Calls reports how many turns have been consumed.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) next(req *Request) (FakeTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.calls >= len(f.turns) {
		return FakeTurn{}, errors.New("fake: no scripted turn remaining")
	}
	turn := f.turns[f.calls]
	f.calls++
	return turn, nil
}

func (f *Fake) Complete(ctx context.Context, req *Request) (*Response, error) {
	chunks, err := f.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(chunks)
}

// Stream replays the scripted turn as a well-formed chunk sequence.
func (f *Fake) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	turn, err := f.next(req)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		if turn.Err != nil {
			out <- Chunk{Err: turn.Err}
			return
		}

		out <- Chunk{Type: ChunkMessageStart}
		for i, blk := range turn.Blocks {
			skeleton := blk
			var delta *Delta
			switch blk.Type {
			case models.BlockToolUse:
				delta = &Delta{Type: DeltaInputJSON, PartialJSON: string(blk.Input)}
				skeleton.Input = nil
			case models.BlockReasoning:
				delta = &Delta{Type: DeltaThinking, Text: blk.Text}
				skeleton.Text = ""
			default:
				delta = &Delta{Type: DeltaText, Text: blk.Text}
				skeleton.Text = ""
			}

			out <- Chunk{Type: ChunkBlockStart, Index: i, Block: &skeleton}
			out <- Chunk{Type: ChunkBlockDelta, Index: i, Delta: delta}
			out <- Chunk{Type: ChunkBlockStop, Index: i}
		}
		if turn.Usage != nil {
			out <- Chunk{Type: ChunkMessageDelta, Usage: turn.Usage}
		}
		out <- Chunk{Type: ChunkMessageStop}
	}()
	return out, nil
}

var _ ModelProvider = (*Fake)(nil)
