package rbac

import (
	"errors"
	"strings"
)

// Closed error taxonomy for the security managers. Callers discriminate with
// errors.Is; anything outside this set is an unrecoverable storage fault.
var (
	// ErrAlreadyExists is returned when the element already exists in the database
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalid is returned when the element is invalid: missing format or property
	ErrInvalid = errors.New("invalid resource")

	// ErrRoleNotExist is returned when the role does not exist in the database
	ErrRoleNotExist = errors.New("role does not exist")

	// ErrPolicyNotExist is returned when the policy does not exist in the database
	ErrPolicyNotExist = errors.New("policy does not exist")

	// ErrUserNotExist is returned when the user does not exist in the database
	ErrUserNotExist = errors.New("user does not exist")

	// ErrRuleNotExist is returned when the rule does not exist in the database
	ErrRuleNotExist = errors.New("rule does not exist")

	// ErrTokenRuleNotExist is returned when the token rule does not exist in the database
	ErrTokenRuleNotExist = errors.New("token rule does not exist")

	// ErrAdminResources is returned on attempts to mutate reserved admin resources
	ErrAdminResources = errors.New("admin resources cannot be modified")

	// ErrProtectedResources is returned on attempts to mutate cloud-managed resources
	ErrProtectedResources = errors.New("protected resources cannot be modified")

	// ErrRelationship is returned when a compound relationship edit cannot be applied
	ErrRelationship = errors.New("relationship cannot be modified")

	// ErrConstraint is returned when a change would break a database constraint
	ErrConstraint = errors.New("constraint violation")
)

// isTagged reports whether err belongs to the closed taxonomy above. Tagged
// errors pass through transaction boundaries unwrapped so callers can match
// them directly.
func isTagged(err error) bool {
	for _, tagged := range []error{
		ErrAlreadyExists, ErrInvalid, ErrRoleNotExist, ErrPolicyNotExist,
		ErrUserNotExist, ErrRuleNotExist, ErrTokenRuleNotExist,
		ErrAdminResources, ErrProtectedResources, ErrRelationship, ErrConstraint,
	} {
		if errors.Is(err, tagged) {
			return true
		}
	}
	return false
}

// isUniqueViolation reports whether err is a SQLite unique-constraint fault.
// modernc.org/sqlite surfaces these as plain errors, so match on the message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isConstraintViolation covers the remaining constraint classes (CHECK,
// FOREIGN KEY, NOT NULL).
func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
