package shared

import "context"

// Actor identifies the tenant and user on whose behalf a request runs. Both
// ids are issued by the upstream gateway.
type Actor struct {
	OrganizationID int64
	UserID         int64
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok && actor.OrganizationID > 0
}
