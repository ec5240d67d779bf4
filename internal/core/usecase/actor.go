package usecase

import (
	"context"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

const MetaActor = "actor"

type actorKey struct{}

// WithActor attaches the acting principal to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorKey{}).(string)
	return actor, ok && actor != ""
}

// ActorListener stores the actor of the committing context as revision
// metadata.
func ActorListener() ports.RevisionListener {
	return ports.RevisionListenerFunc(func(ctx context.Context, _ ports.Transaction, rev *domain.Revision) {
		if actor, ok := ActorFromContext(ctx); ok {
			rev.SetMeta(MetaActor, actor)
		}
	})
}
