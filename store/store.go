package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Group is named-group metadata. Membership is not tracked, only its size.
type Group struct {
	Members int `json:"members" bson:"members"`
}

// Store persists the contact directory and the group list. Each Save
// rewrites the whole map; each Load returns an empty, non-nil map when
// nothing has been saved yet.
type Store interface {
	LoadContacts(ctx context.Context) (map[string]string, error)
	SaveContacts(ctx context.Context, contacts map[string]string) error
	LoadGroups(ctx context.Context) (map[string]Group, error)
	SaveGroups(ctx context.Context, groups map[string]Group) error
	Close() error
}

func copyContacts(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyGroups(in map[string]Group) map[string]Group {
	out := make(map[string]Group, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
