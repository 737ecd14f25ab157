package generate

import (
	"context"

	"github.com/lumoschat/lumos/internal/models"
)

// ModelMessage is one entry of the model's native input format.
type ModelMessage struct {
	Role  models.Role
	Parts []models.Part
}

// ModelRequest carries the normalized conversation history for one
// invocation, oldest message first.
type ModelRequest struct {
	Messages []ModelMessage
}

// ModelStream yields incremental content-part deltas from one invocation.
// Text parts are deltas to be merged into the trailing text fragment;
// other part kinds are appended whole. Recv returns io.EOF on normal
// completion and the context error once the cancellation signal fires.
type ModelStream interface {
	Recv() (models.Part, error)
	Close() error
}

// ModelClient is the opaque model-invocation collaborator. The ctx passed
// to Stream carries the per-generation cancellation signal; observing it
// must halt the invocation promptly.
type ModelClient interface {
	Stream(ctx context.Context, req ModelRequest) (ModelStream, error)
}
