package tokengate

import (
	"context"
	"time"
)

// TokenRecord is one issued token and its quota state. The JSON field names are
// the body contract of the management API.
type TokenRecord struct {
	Token      string            `json:"token"`
	OwnerID    string            `json:"ownerId"`
	PolicyName string            `json:"policyName"`
	Limit      int64             `json:"limit"`
	Remaining  int64             `json:"remaining"`
	Consumed   int64             `json:"consumed"`
	Count      bool              `json:"count"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Policy is a named quota configuration held by a store.
type Policy struct {
	Name string `json:"name" koanf:"name"`
	// Limit is the number of units a token of this policy may consume.
	Limit int64 `json:"limit" koanf:"limit"`
	// MaxTokens caps how many tokens one owner may hold. Zero means no cap.
	MaxTokens int `json:"maxTokens" koanf:"max_tokens"`
	// Count marks a metering-only policy: usage is counted, never limited,
	// and Consume on its tokens fails with ErrUsageLimit.
	Count bool `json:"count" koanf:"count"`
	// Period is a label such as "month". Stores do not reset quotas.
	Period string `json:"period,omitempty" koanf:"period"`
}

// Store is the quota and token backend the gates and the manager talk to.
// Implementations must be safe for concurrent use and keep check-and-mutate
// atomic for Consume and Create.
type Store interface {
	// Consume takes units from the token's budget and returns what is left.
	// It fails with ErrTokenNotExists or ErrUsageLimit.
	Consume(ctx context.Context, token string, units int64) (int64, error)

	// Count adds units to the token's usage and returns the new total.
	// It fails with ErrTokenNotExists.
	Count(ctx context.Context, token string, units int64) (int64, error)

	// Create issues a token for the identity's owner under its policy.
	// It fails with ErrPolicy when the policy is unknown or the owner is at MaxTokens.
	Create(ctx context.Context, id Identity) (*TokenRecord, error)

	// Get returns the record, or nil and no error when the token does not exist.
	Get(ctx context.Context, token string) (*TokenRecord, error)

	// GetByOwnerID returns every token of the owner in creation order.
	GetByOwnerID(ctx context.Context, ownerID string) ([]TokenRecord, error)

	// Delete removes the token. It fails with ErrTokenNotExists when it is gone.
	Delete(ctx context.Context, token string) error
}
