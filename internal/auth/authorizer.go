package auth

import (
	"context"
	"fmt"
	"slices"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/envelope"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/presence"
)

// Authorizer is consulted before a join is admitted and before a send is
// relayed. A non-nil error short-circuits the operation.
type Authorizer interface {
	AuthorizeJoin(ctx context.Context, identity, room string) error
	AuthorizeSend(ctx context.Context, identity string, env envelope.Envelope) error
}

// AllowAll admits everything.
type AllowAll struct{}

func (AllowAll) AuthorizeJoin(context.Context, string, string) error            { return nil }
func (AllowAll) AuthorizeSend(context.Context, string, envelope.Envelope) error { return nil }

// RosterAuthorizer only lets identities post to rooms whose roster lists
// them. Joining is open, since joining is how an identity enters the roster.
// Broadcast and unicast sends are not room scoped and pass.
type RosterAuthorizer struct {
	Store presence.Store
}

func (RosterAuthorizer) AuthorizeJoin(context.Context, string, string) error { return nil }

func (a RosterAuthorizer) AuthorizeSend(ctx context.Context, identity string, env envelope.Envelope) error {
	if env.Mode != envelope.ModeGroup {
		return nil
	}
	members, err := a.Store.ListRosterMembers(ctx, env.Room)
	if err != nil {
		return err
	}
	if !slices.Contains(members, identity) {
		return fmt.Errorf("%w: %s is not a member of %s", ErrForbidden, identity, env.Room)
	}
	return nil
}
