package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"prodline/internal/domain"
	"prodline/internal/repo"
)

// Activity types written for card and correction changes.
const (
	CardCreated         = "card_created"
	StatusChanged       = "status_changed"
	CardHeld            = "card_held"
	CardResumed         = "card_resumed"
	CardCancelled       = "card_cancelled"
	CorrectionRequested = "correction_requested"
	CorrectionApproved  = "correction_approved"
	CorrectionRejected  = "correction_rejected"
)

// Logger appends entries to an order's activity feed.
type Logger interface {
	LogOrderActivity(ctx context.Context, orderID, orgID, activityType, description string, metadata domain.Metadata, actorID string) error
}

// SQLLogger writes to the order_activities table in its own statement, outside any caller transaction.
type SQLLogger struct {
	Repo repo.Repo
	Now  func() time.Time
}

func NewSQLLogger(r repo.Repo) SQLLogger {
	return SQLLogger{Repo: r, Now: time.Now}
}

func (l SQLLogger) LogOrderActivity(ctx context.Context, orderID, orgID, activityType, description string, metadata domain.Metadata, actorID string) error {
	if orderID == "" || orgID == "" {
		return fmt.Errorf("order activity requires order and org")
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	if metadata == nil {
		metadata = domain.Metadata{}
	}
	if err := metadata.Validate(); err != nil {
		return err
	}
	return l.Repo.InsertOrderActivity(ctx, nil, domain.OrderActivity{
		ID:           uuid.NewString(),
		OrgID:        orgID,
		OrderID:      orderID,
		ActivityType: activityType,
		Description:  description,
		Metadata:     metadata,
		ActorID:      actorID,
		CreatedAt:    now().UTC().Format(time.RFC3339),
	})
}

// Nop discards every entry.
type Nop struct{}

func (Nop) LogOrderActivity(context.Context, string, string, string, string, domain.Metadata, string) error {
	return nil
}
