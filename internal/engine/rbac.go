package engine

import (
	"context"
	"fmt"

	"prodline/internal/engine/auth"
	"prodline/internal/events"
)

type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) WhoAmI(ctx context.Context, orgID, actorID string) (WhoAmI, error) {
	roles, err := e.Auth.ActorRoles(ctx, nil, orgID, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, nil, orgID, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return WhoAmI{ActorID: actorID, OrgID: orgID, Roles: roles, Permissions: perms}, nil
}

func (e Engine) GrantRole(ctx context.Context, orgID, actorID, targetActor, role string) error {
	if targetActor == "" || role == "" {
		return invalid("role", "actor and role required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, orgID, actorID, auth.PermRBACManage); err != nil {
		return err
	}
	ok, err := e.Repo.RoleExists(ctx, tx, role)
	if err != nil {
		return err
	}
	if !ok {
		return invalid("role", fmt.Sprintf("unknown role %s", role))
	}
	if err := e.Repo.EnsureActor(ctx, tx, targetActor, e.ts()); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, orgID, targetActor, role); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, "rbac.role.granted", orgID, "actor", targetActor, actorID, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RevokeRole(ctx context.Context, orgID, actorID, targetActor, role string) error {
	if targetActor == "" || role == "" {
		return invalid("role", "actor and role required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, orgID, actorID, auth.PermRBACManage); err != nil {
		return err
	}
	if err := e.Repo.RevokeRole(ctx, tx, orgID, targetActor, role); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, "rbac.role.revoked", orgID, "actor", targetActor, actorID, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}
