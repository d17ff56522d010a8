package icagent

import (
	"context"

	"github.com/nustiueudinastea/icagent/principal"
)

// Actor binds one canister to an agent and exposes its methods over raw
// argument blobs. Argument encoding and decoding belong to the caller's
// value codec; the actor only moves certified bytes.
type Actor struct {
	agent      *Agent
	canisterID principal.Principal
}

// NewActor builds an actor for a canister.
func NewActor(agent *Agent, canisterID principal.Principal) *Actor {
	return &Actor{agent: agent, canisterID: canisterID}
}

// CanisterID returns the bound canister.
func (a *Actor) CanisterID() principal.Principal {
	return a.canisterID
}

// Call performs a certified update call and returns the reply blob.
func (a *Actor) Call(ctx context.Context, methodName string, arg []byte) ([]byte, error) {
	result, err := a.agent.Call(ctx, a.canisterID, methodName, arg)
	if err != nil {
		return nil, err
	}
	return result.Reply, nil
}

// Query performs a query call and returns the reply blob.
func (a *Actor) Query(ctx context.Context, methodName string, arg []byte) ([]byte, error) {
	result, err := a.agent.Query(ctx, a.canisterID, methodName, arg)
	if err != nil {
		return nil, err
	}
	return result.Reply, nil
}
