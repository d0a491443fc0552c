package session

import (
	"errors"
	"fmt"
)

// ErrAlreadyBound is returned when binding a channel that already has a role.
var ErrAlreadyBound = errors.New("connection already bound")

// RoleKind enumerates the three client classes.
type RoleKind int

const (
	RoleBot RoleKind = iota + 1
	RoleSubscriber
	RoleOperator
)

func (k RoleKind) String() string {
	switch k {
	case RoleBot:
		return "bot"
	case RoleSubscriber:
		return "subscriber"
	case RoleOperator:
		return "operator"
	default:
		return "unknown"
	}
}

// Role is the tag a channel receives once classified. SubscriberID is set
// only for RoleSubscriber; Identity is the bot identity for every kind
// (the target identity for subscribers).
type Role struct {
	Kind         RoleKind
	Identity     string
	SubscriberID string
}

func BotRole(identity string) Role { return Role{Kind: RoleBot, Identity: identity} }

func SubscriberRole(subscriberID, target string) Role {
	return Role{Kind: RoleSubscriber, Identity: target, SubscriberID: subscriberID}
}

func OperatorRole(identity string) Role { return Role{Kind: RoleOperator, Identity: identity} }

// Registry maps open channels to their discovered role.
type Registry struct {
	roles map[Conn]Role
}

func NewRegistry() *Registry {
	return &Registry{roles: make(map[Conn]Role)}
}

// Classify returns the role bound to conn, if any.
func (r *Registry) Classify(conn Conn) (Role, bool) {
	role, ok := r.roles[conn]
	return role, ok
}

// Bind tags conn with role. Roles are never reassigned.
func (r *Registry) Bind(conn Conn, role Role) error {
	if existing, ok := r.roles[conn]; ok {
		return fmt.Errorf("%w: %s as %s", ErrAlreadyBound, conn.ID(), existing.Kind)
	}
	r.roles[conn] = role
	return nil
}

// Unbind forgets conn and returns the role it had.
func (r *Registry) Unbind(conn Conn) (Role, bool) {
	role, ok := r.roles[conn]
	if ok {
		delete(r.roles, conn)
	}
	return role, ok
}

// Len returns the number of classified channels.
func (r *Registry) Len() int { return len(r.roles) }
