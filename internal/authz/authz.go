// Package authz builds the WHERE-clause fragments that scope every query to
// rows the caller may see. There is deliberately no fetch-then-check helper:
// a row outside scope is indistinguishable from a missing row.
package authz

import (
	"errors"
	"fmt"
)

// CurrentUser is the resolved caller identity attached to each request.
type CurrentUser struct {
	ID           string
	Email        string
	Admin        bool
	WorkspaceIDs []string
}

// ErrVisibility rejects document create/update states outside the three legal
// visibility combinations.
var ErrVisibility = errors.New("invalid document visibility")

// Scope is a SQL fragment plus its bind parameters, composed into the
// caller's query with AND. Placeholders are numbered from the start index the
// store passes in, so fragments splice into any position.
type Scope struct {
	Where  string
	Params []any
}

// Everything matches all rows; used for admins.
func everything() Scope {
	return Scope{Where: "1=1"}
}

// OwnedOrShared scopes tables carrying owner_user_id and workspace_id
// columns (agents, threads).
func OwnedOrShared(u CurrentUser, start int) Scope {
	return OwnedOrSharedIn(u, start, "")
}

// OwnedOrSharedIn is OwnedOrShared with a table qualifier for use inside
// subqueries ("threads." etc.).
func OwnedOrSharedIn(u CurrentUser, start int, table string) Scope {
	if u.Admin {
		return everything()
	}
	return Scope{
		Where:  fmt.Sprintf("(%sowner_user_id = $%d OR %sworkspace_id = ANY($%d))", table, start, table, start+1),
		Params: []any{u.ID, u.WorkspaceIDs},
	}
}

// Workspaces scopes the workspaces table itself by membership.
func Workspaces(u CurrentUser, start int) Scope {
	if u.Admin {
		return everything()
	}
	return Scope{
		Where:  fmt.Sprintf("id = ANY($%d)", start),
		Params: []any{u.WorkspaceIDs},
	}
}

// Documents scopes the documents table. Three visibility states exist:
// workspace-shared, personal-to-agent (via the agent's owner), and
// system-global which only admins can see.
func Documents(u CurrentUser, start int) Scope {
	if u.Admin {
		return everything()
	}
	where := fmt.Sprintf(
		"(workspace_id = ANY($%d) OR (workspace_id IS NULL AND agent_id IN (SELECT id FROM agents WHERE owner_user_id = $%d OR workspace_id = ANY($%d))))",
		start, start+1, start+2,
	)
	return Scope{
		Where:  where,
		Params: []any{u.WorkspaceIDs, u.ID, u.WorkspaceIDs},
	}
}

// Jobs scopes the jobs table by submitting user or workspace.
func Jobs(u CurrentUser, start int) Scope {
	if u.Admin {
		return everything()
	}
	return Scope{
		Where:  fmt.Sprintf("(user_id = $%d OR workspace_id = ANY($%d))", start, start+1),
		Params: []any{u.ID, u.WorkspaceIDs},
	}
}

// ValidateDocumentVisibility enforces the invariant that a document resolves
// to exactly one of: personal-to-agent, workspace-shared, or system-global.
// Creating a system-global document requires admin.
func ValidateDocumentVisibility(u CurrentUser, workspaceID, agentID string) error {
	switch {
	case workspaceID == "" && agentID != "":
		return nil // personal-to-agent
	case workspaceID != "":
		return nil // workspace-shared (agent link optional)
	case workspaceID == "" && agentID == "":
		if !u.Admin {
			return fmt.Errorf("%w: system-global documents are admin-only", ErrVisibility)
		}
		return nil
	default:
		return ErrVisibility
	}
}

// InWorkspace reports membership without touching the database; the resolved
// workspace list rides on the CurrentUser.
func (u CurrentUser) InWorkspace(workspaceID string) bool {
	for _, id := range u.WorkspaceIDs {
		if id == workspaceID {
			return true
		}
	}
	return false
}
