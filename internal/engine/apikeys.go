package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"prodline/internal/domain"
	"prodline/internal/engine/auth"
	"prodline/internal/events"
	"prodline/internal/repo"
)

const apiKeyPrefix = "pl_"

// CreateAPIKey mints a key for targetActor in the org. The plaintext key is returned once; only
// its hash is stored. Keys for another actor need apikey.manage.
func (e Engine) CreateAPIKey(ctx context.Context, orgID, actorID, targetActor, name string) (string, domain.APIKey, error) {
	targetActor = strings.TrimSpace(targetActor)
	if targetActor == "" {
		targetActor = actorID
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetOrg(ctx, tx, orgID); err != nil {
		return "", domain.APIKey{}, err
	}
	if targetActor != actorID {
		if err := e.Auth.Require(ctx, tx, orgID, actorID, auth.PermAPIKeyManage); err != nil {
			return "", domain.APIKey{}, err
		}
	}
	if err := e.Repo.EnsureActor(ctx, tx, targetActor, e.ts()); err != nil {
		return "", domain.APIKey{}, err
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   targetActor,
		OrgID:     orgID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.ts(),
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.events().Append(ctx, tx, "apikey.created", orgID, "api_key", key.ID, actorID, events.EventPayload{
		"actor_id": targetActor, "name": key.Name,
	}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// ListAPIKeys returns the actor's own keys, or every key in the org for apikey.manage holders
// when all is set.
func (e Engine) ListAPIKeys(ctx context.Context, orgID, actorID string, all bool) ([]domain.APIKey, error) {
	filter := actorID
	if all {
		if err := e.Auth.Require(ctx, nil, orgID, actorID, auth.PermAPIKeyManage); err != nil {
			return nil, err
		}
		filter = ""
	}
	keys, err := e.Repo.ListAPIKeys(ctx, orgID, filter)
	if keys == nil {
		keys = []domain.APIKey{}
	}
	return keys, err
}

func (e Engine) DeleteAPIKey(ctx context.Context, orgID, actorID, keyID string) error {
	keys, err := e.Repo.ListAPIKeys(ctx, orgID, actorID)
	if err != nil {
		return err
	}
	own := false
	for _, k := range keys {
		if k.ID == keyID {
			own = true
		}
	}
	if !own {
		if err := e.Auth.Require(ctx, nil, orgID, actorID, auth.PermAPIKeyManage); err != nil {
			return err
		}
	}
	return e.Repo.DeleteAPIKey(ctx, orgID, keyID)
}
