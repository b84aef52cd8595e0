// Package authorization holds the request policy: one pure function that
// maps an actor and an action to an allow/deny decision. Handlers evaluate
// it once per request and thread the decision down instead of sprinkling
// role checks through the call path.
package authorization

import "github.com/bwmarrin/snowflake"

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	// RoleService marks trusted machine callers: the schedule trigger and
	// provider webhooks, authenticated by shared secret.
	RoleService Role = "service"
)

type Action string

const (
	ActionViewBalance     Action = "view_balance"
	ActionViewEntries     Action = "view_entries"
	ActionSendTip         Action = "send_tip"
	ActionStartCall       Action = "start_call"
	ActionManageSession   Action = "manage_session"
	ActionUpdateAccount   Action = "update_account"
	ActionTriggerBatch    Action = "trigger_batch"
	ActionViewBatch       Action = "view_batch"
	ActionReviewPayouts   Action = "review_payouts"
	ActionReviewFlags     Action = "review_flags"
	ActionApplyWebhook    Action = "apply_webhook"
	ActionAuditProjection Action = "audit_projection"
)

// Actor identifies who is asking. A zero AccountID with a service or admin
// role is valid; machine callers own no account.
type Actor struct {
	AccountID snowflake.ID
	Role      Role
}

type Decision struct {
	Allowed bool
	Reason  string
}

const (
	ReasonNotOwner     = "not_resource_owner"
	ReasonRoleRequired = "role_required"
)

// Evaluate decides whether actor may perform action against the account that
// owns the resource. ownerID is zero for actions without a per-account
// resource (batch triggers, review queues).
func Evaluate(actor Actor, action Action, ownerID snowflake.ID) Decision {
	if actor.Role == RoleAdmin {
		return Decision{Allowed: true}
	}

	switch action {
	case ActionViewBalance, ActionViewEntries, ActionSendTip, ActionStartCall,
		ActionManageSession, ActionUpdateAccount:
		if actor.Role == RoleService {
			return Decision{Allowed: true}
		}
		if actor.AccountID != 0 && actor.AccountID == ownerID {
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, Reason: ReasonNotOwner}

	case ActionTriggerBatch, ActionApplyWebhook:
		if actor.Role == RoleService {
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, Reason: ReasonRoleRequired}

	case ActionViewBatch, ActionReviewPayouts, ActionReviewFlags, ActionAuditProjection:
		// Admin only; admins returned above.
		return Decision{Allowed: false, Reason: ReasonRoleRequired}

	default:
		return Decision{Allowed: false, Reason: ReasonRoleRequired}
	}
}
