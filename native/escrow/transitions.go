package escrow

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Action names a state machine operation.
type Action uint8

const (
	ActionCreate Action = iota
	ActionConfirmDelivery
	ActionConfirmReceipt
	ActionSettle
	ActionRaiseDispute
	ActionResolve
	ActionAutoRelease
)

var actionNames = map[Action]string{
	ActionCreate:          "create",
	ActionConfirmDelivery: "confirm_delivery",
	ActionConfirmReceipt:  "confirm_receipt",
	ActionSettle:          "settle",
	ActionRaiseDispute:    "raise_dispute",
	ActionResolve:         "resolve",
	ActionAutoRelease:     "auto_release",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// Role identifies the party allowed to perform an action.
type Role uint8

const (
	RoleBuyer Role = 1 << iota
	RoleSeller
	RoleResolver
	RoleSystem
	RoleAnyone
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	case RoleResolver:
		return "resolver"
	case RoleSystem:
		return "system"
	case RoleAnyone:
		return "anyone"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// ParseRole resolves the party roles used when listing escrows for a user.
func ParseRole(raw string) (Role, error) {
	switch raw {
	case "buyer":
		return RoleBuyer, nil
	case "seller":
		return RoleSeller, nil
	case "resolver":
		return RoleResolver, nil
	default:
		return 0, fmt.Errorf("escrow: unknown role %q", raw)
	}
}

type edge struct {
	from   Status
	action Action
	to     []Status
	actors Role
}

// transitionTable is the complete set of legal edges. Anything not listed is
// rejected with ErrIllegalTransition.
var transitionTable = []edge{
	{StatusPending, ActionConfirmDelivery, []Status{StatusDelivered}, RoleSeller},
	{StatusDelivered, ActionConfirmReceipt, []Status{StatusConfirmed}, RoleBuyer},
	{StatusConfirmed, ActionSettle, []Status{StatusCompleted}, RoleSystem},
	{StatusPending, ActionRaiseDispute, []Status{StatusDisputed}, RoleBuyer | RoleSeller},
	{StatusDelivered, ActionRaiseDispute, []Status{StatusDisputed}, RoleBuyer | RoleSeller},
	{StatusDisputed, ActionResolve, []Status{StatusResolved}, RoleResolver},
	{StatusResolved, ActionSettle, []Status{StatusCompleted, StatusRefunded}, RoleSystem},
	{StatusPending, ActionAutoRelease, []Status{StatusExpired}, RoleAnyone},
	{StatusDelivered, ActionAutoRelease, []Status{StatusExpired}, RoleAnyone},
}

func lookupEdge(from Status, action Action) (edge, bool) {
	for _, e := range transitionTable {
		if e.from == from && e.action == action {
			return e, true
		}
	}
	return edge{}, false
}

func allows(from Status, action Action, to Status) bool {
	e, ok := lookupEdge(from, action)
	if !ok {
		return false
	}
	for _, candidate := range e.to {
		if candidate == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether any action leads from one status to another.
func CanTransition(from, to Status) bool {
	for _, e := range transitionTable {
		if e.from != from {
			continue
		}
		for _, candidate := range e.to {
			if candidate == to {
				return true
			}
		}
	}
	return false
}

// Targets returns the statuses reachable from the given status via action.
func Targets(from Status, action Action) []Status {
	e, ok := lookupEdge(from, action)
	if !ok {
		return nil
	}
	return append([]Status(nil), e.to...)
}

// RolesOf returns every role the address holds on the escrow.
func (e *Escrow) RolesOf(addr common.Address) Role {
	roles := RoleAnyone
	if addr == (common.Address{}) {
		return roles
	}
	if addr == e.Buyer {
		roles |= RoleBuyer
	}
	if addr == e.Seller {
		roles |= RoleSeller
	}
	if e.DisputeResolver != (common.Address{}) && addr == e.DisputeResolver {
		roles |= RoleResolver
	}
	return roles
}

// CheckTransition validates that caller may perform action on esc at now. It
// covers legality of the edge, the actor and the deadline preconditions but
// never touches the ledger.
func CheckTransition(esc *Escrow, action Action, caller common.Address, now time.Time) error {
	if esc == nil {
		return ErrNotFound
	}
	if esc.Status.Terminal() {
		return fmt.Errorf("%w: %s from terminal %s", ErrIllegalTransition, action, esc.Status)
	}
	e, ok := lookupEdge(esc.Status, action)
	if !ok {
		return fmt.Errorf("%w: %s from %s", ErrIllegalTransition, action, esc.Status)
	}
	if e.actors&RoleSystem == 0 && esc.RolesOf(caller)&e.actors == 0 {
		return fmt.Errorf("%w: %s requires %s", ErrUnauthorizedActor, action, describeRoles(e.actors))
	}
	switch action {
	case ActionConfirmDelivery:
		if now.After(esc.DeliveryDeadline) {
			return ErrDeliveryWindowClosed
		}
	case ActionRaiseDispute:
		if now.After(esc.DisputeDeadline) {
			return ErrDisputeWindowClosed
		}
	case ActionAutoRelease:
		if !CanAutoRelease(now, esc) {
			return fmt.Errorf("%w: auto release not yet eligible", ErrIllegalTransition)
		}
	}
	return nil
}

func describeRoles(roles Role) string {
	out := ""
	for _, r := range []Role{RoleBuyer, RoleSeller, RoleResolver, RoleSystem, RoleAnyone} {
		if roles&r == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += r.String()
	}
	return out
}
