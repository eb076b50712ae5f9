// Package rbac implements the durable authorization model: users, roles,
// policies, rules, their ordered many-to-many relationships and the
// token-invalidation ledgers. Every manager operates on an injected bun
// database handle; nothing in this package owns global state.
package rbac

// MaxReserved is the highest resource ID reserved for built-in and
// administrative resources. Resources at or below it cannot be modified or
// deleted through the normal manager APIs.
const MaxReserved int64 = 99

// CloudReservedRange is the lower bound of the band [CloudReservedRange,
// MaxReserved] reserved for externally managed defaults during migration.
const CloudReservedRange int64 = 90

// RequiredRulesForRole maps roles to the rules they must keep linked at all
// times. Removing one of these links is a constraint violation.
var RequiredRulesForRole = map[int64][]int64{1: {1, 2}}

func ruleRequiredForRole(roleID, ruleID int64) bool {
	for _, id := range RequiredRulesForRole[roleID] {
		if id == ruleID {
			return true
		}
	}
	return false
}
