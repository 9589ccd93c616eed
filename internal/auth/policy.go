package auth

// Management policy.
//
// Who may manage whom is deliberately asymmetric:
//
//   - Superadmins manage everyone, including other superadmins.
//   - Nobody else touches a superadmin account.
//   - Admins manage users only through a shared group in which the admin
//     holds group admin status; the caller resolves that fact and passes
//     it in, keeping this package free of group storage.
//   - A restricted admin (an admin account itself flagged single_session)
//     manages only accounts it created, and may impose the single_session
//     restriction on them but never lift it.

// CanManageUser reports whether the actor may manage the target account.
// sharedGroupAdmin must be true when the actor holds group admin status in
// at least one group both accounts belong to; it is ignored for superadmins.
// Returns nil when allowed, ErrForbidden otherwise.
func CanManageUser(actor, target *User, sharedGroupAdmin bool) error {
	if actor.Role == RoleSuperadmin {
		return nil
	}

	if target.Role == RoleSuperadmin {
		return ErrForbidden
	}

	if actor.Role != RoleAdmin {
		return ErrForbidden
	}

	if !sharedGroupAdmin {
		return ErrForbidden
	}

	// Restricted admins only govern accounts of their own making.
	if actor.SingleSession && target.CreatedBy != actor.ID {
		return ErrForbidden
	}

	return nil
}

// CanSetSingleSession reports whether the actor may move the target's
// single_session flag from current to desired. A restricted admin may
// tighten the flag but not loosen it.
func CanSetSingleSession(actor *User, current, desired bool) error {
	if current == desired {
		return nil
	}

	if actor.Role == RoleSuperadmin {
		return nil
	}

	if actor.SingleSession && current && !desired {
		return ErrForbidden
	}

	return nil
}

// CanAssignRole reports whether the actor may grant the given role.
// Only superadmins mint admins or other superadmins.
func CanAssignRole(actor *User, role Role) error {
	if actor.Role == RoleSuperadmin {
		return nil
	}
	if role == RoleUser {
		return nil
	}
	return ErrForbidden
}
