// Package presence is the client for the shared store holding the global room
// list, per-room rosters and room existence flags.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrStore marks transport or backend failures. Callers log and continue.
var ErrStore = errors.New("presence store failure")

// Store is the set of atomic primitives the relay layer relies on. Every
// mutation is idempotent or append-only so concurrent nodes need no lock.
type Store interface {
	RoomExists(ctx context.Context, room string) (bool, error)
	// MarkRoomExists sets the existence flag if absent and reports whether
	// this call created it.
	MarkRoomExists(ctx context.Context, room string) (bool, error)
	AppendRoomToGlobalList(ctx context.Context, room string) error
	ListRooms(ctx context.Context) ([]string, error)
	// AppendRosterMember never deduplicates; readers use DedupeRoster.
	AppendRosterMember(ctx context.Context, room, identity string) error
	ListRosterMembers(ctx context.Context, room string) ([]string, error)
}

// Keys controls the key layout in the shared store.
type Keys struct {
	RoomList     string `mapstructure:"room_list_key"`
	RosterSuffix string `mapstructure:"roster_suffix"`
	FlagPrefix   string `mapstructure:"flag_prefix"`
}

// DefaultKeys keeps the room list and roster names used by existing
// deployments. Flags live under their own prefix so no room name can alias a
// list key.
func DefaultKeys() Keys {
	return Keys{
		RoomList:     "roomBCHAT",
		RosterSuffix: "_meta",
		FlagPrefix:   "room:",
	}
}

// WithDefaults fills unset fields from DefaultKeys.
func (k Keys) WithDefaults() Keys {
	def := DefaultKeys()
	if k.RoomList == "" {
		k.RoomList = def.RoomList
	}
	if k.RosterSuffix == "" {
		k.RosterSuffix = def.RosterSuffix
	}
	if k.FlagPrefix == "" {
		k.FlagPrefix = def.FlagPrefix
	}
	return k
}

// Reserved reports whether room would map onto a key owned by another room or
// by the room list.
func (k Keys) Reserved(room string) bool {
	k = k.WithDefaults()
	return room == k.RoomList ||
		strings.HasSuffix(room, k.RosterSuffix) ||
		strings.HasPrefix(room, k.FlagPrefix)
}

func (k Keys) flag(room string) string   { return k.FlagPrefix + room }
func (k Keys) roster(room string) string { return room + k.RosterSuffix }

// DedupeRoster drops repeated identities, keeping first-seen order.
func DedupeRoster(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
