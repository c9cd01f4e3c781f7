package app

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/rewards-service/internal/domain"
)

const correlationTokenPrefix = "rw:"

var correlationTokenPattern = regexp.MustCompile(`^rw:([0-9a-fA-F-]{36}):([0-9a-fA-F-]{36})$`)

// providerStatusTable is the single mapping from provider-native item statuses to the
// canonical ledger status. Nothing else in the service interprets provider strings.
var providerStatusTable = map[string]domain.ItemStatus{
	"SUCCESS":    domain.ItemStatusSuccess,
	"PENDING":    domain.ItemStatusPending,
	"ONHOLD":     domain.ItemStatusPending,
	"RETURNED":   domain.ItemStatusPending,
	"NEW":        domain.ItemStatusPending,
	"PROCESSING": domain.ItemStatusPending,
	"UNCLAIMED":  domain.ItemStatusUnclaimed,
	"DENIED":     domain.ItemStatusFailed,
	"BLOCKED":    domain.ItemStatusFailed,
	"REFUNDED":   domain.ItemStatusFailed,
	"FAILED":     domain.ItemStatusFailed,
	"REVERSED":   domain.ItemStatusFailed,
	"CANCELED":   domain.ItemStatusFailed,
}

// permanentItemErrors are provider item errors that will not clear on a resend.
var permanentItemErrors = map[string]struct{}{
	"RECEIVER_ACCOUNT_LOCKED":      {},
	"RECEIVER_ACCOUNT_CLOSED":      {},
	"RECEIVER_COUNTRY_NOT_ALLOWED": {},
	"RECEIVER_STATE_RESTRICTED":    {},
	"RECIPIENT_NOT_ALLOWED":        {},
	"REGULATORY_BLOCKED":           {},
	"REGULATORY_PENDING":           {},
	"NON_HOLDING_CURRENCY":         {},
	"INVALID_EMAIL":                {},
	"USER_COUNTRY_NOT_ALLOWED":     {},
	"DUPLICATE_ITEM":               {},
}

// NormalizeProviderStatus maps a provider status to the canonical item status. Unknown
// strings map to pending and report known=false so the caller can log them.
func NormalizeProviderStatus(raw string) (status domain.ItemStatus, known bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "_", "")
	if status, ok := providerStatusTable[key]; ok {
		return status, true
	}
	return domain.ItemStatusPending, false
}

// IsPermanentItemError reports whether a provider item error code will recur on resend.
func IsPermanentItemError(code string) bool {
	_, ok := permanentItemErrors[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}

// BuildCorrelationToken encodes the winner and user into the provider's sender item id
// so a provider item can be traced back to its ledger row.
func BuildCorrelationToken(winnerID, userID uuid.UUID) string {
	return fmt.Sprintf("%s%s:%s", correlationTokenPrefix, winnerID, userID)
}

// ParseCorrelationToken is the inverse of BuildCorrelationToken.
func ParseCorrelationToken(token string) (winnerID, userID uuid.UUID, ok bool) {
	matches := correlationTokenPattern.FindStringSubmatch(strings.TrimSpace(token))
	if len(matches) < 3 {
		return uuid.Nil, uuid.Nil, false
	}
	winnerID, err := uuid.Parse(matches[1])
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	userID, err = uuid.Parse(matches[2])
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return winnerID, userID, true
}

// UnclaimedPolicy decides whether a later success may replace an unclaimed outcome.
type UnclaimedPolicy string

const (
	// UnclaimedHold keeps an item unclaimed once the provider reported it so.
	UnclaimedHold UnclaimedPolicy = "hold"
	// UnclaimedFollowProvider lets a later provider success overwrite unclaimed.
	UnclaimedFollowProvider UnclaimedPolicy = "follow_provider"
)

// ParseUnclaimedPolicy falls back to hold for unknown values.
func ParseUnclaimedPolicy(raw string) UnclaimedPolicy {
	if strings.EqualFold(strings.TrimSpace(raw), string(UnclaimedFollowProvider)) {
		return UnclaimedFollowProvider
	}
	return UnclaimedHold
}

// itemTransitionAllowed guards ledger rows against stale or regressive provider reports.
// A success is final, pending never overwrites a terminal outcome, and unclaimed only
// moves on to success when the policy follows the provider.
func itemTransitionAllowed(from, to domain.ItemStatus, policy UnclaimedPolicy) bool {
	if from == to {
		return true
	}
	switch from {
	case domain.ItemStatusSuccess:
		return false
	case domain.ItemStatusPending:
		return true
	case domain.ItemStatusUnclaimed:
		switch to {
		case domain.ItemStatusSuccess:
			return policy == UnclaimedFollowProvider
		case domain.ItemStatusFailed:
			return true
		}
		return false
	case domain.ItemStatusFailed:
		return to == domain.ItemStatusSuccess
	}
	return false
}
