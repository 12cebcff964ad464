package auth

import (
	"github.com/evalgo/veddb/internal/veddberr"
)

// Authorize implements §4.7's three-step decision for (user, op, resource?):
//  1. role check: op must be in role.permissions, else deny.
//  2. if resource is given and the ACL table has matching entries for it:
//     any matching deny wins; else require at least one matching allow for
//     op; if no entries match the principal at all, fall through (already
//     allowed by step 1).
//  3. otherwise allow.
//
// ACL entries are principal-keyed on either the username or the role name.
func Authorize(store *Store, u *User, op Operation, resource *Resource) error {
	if !u.Role.Allows(op) {
		return veddberr.Wrap(veddberr.KindAuth, "PermissionDenied", "role does not permit operation", nil)
	}
	if resource == nil {
		return nil
	}
	entries, err := store.GetACL(*resource)
	if err != nil {
		return err
	}
	matching := matchingEntries(entries, u)
	if len(matching) == 0 {
		return nil // no ACL override for this principal; role already allowed it
	}
	for _, e := range matching {
		if e.Deny && hasOp(e.Permissions, op) {
			return veddberr.Wrap(veddberr.KindAuth, "PermissionDenied", "denied by ACL", nil)
		}
	}
	for _, e := range matching {
		if !e.Deny && hasOp(e.Permissions, op) {
			return nil
		}
	}
	return veddberr.Wrap(veddberr.KindAuth, "PermissionDenied", "no matching ACL allow for operation", nil)
}

func matchingEntries(entries []ACLEntry, u *User) []ACLEntry {
	var out []ACLEntry
	for _, e := range entries {
		if e.Principal == u.Username || e.Principal == string(u.Role) {
			out = append(out, e)
		}
	}
	return out
}

func hasOp(ops []Operation, op Operation) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}
