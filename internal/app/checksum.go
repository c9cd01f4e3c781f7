package app

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/rewards-service/internal/domain"
)

// payoutRecipient is the part of a winner that determines what money moves where.
type payoutRecipient struct {
	WinnerID uuid.UUID
	UserID   uuid.UUID
	Amount   int64
	Email    string
}

func recipientsFor(winners []domain.WinnerSelection) []payoutRecipient {
	out := make([]payoutRecipient, 0, len(winners))
	for _, w := range winners {
		out = append(out, payoutRecipient{
			WinnerID: w.ID,
			UserID:   w.UserID,
			Amount:   w.FinalAmount(),
			Email:    strings.ToLower(strings.TrimSpace(w.DestinationEmail)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].WinnerID[:], out[j].WinnerID[:]) < 0
	})
	return out
}

// PayoutChecksum fingerprints a recipient set: sha256 over the (winner id, final amount,
// destination email) tuples sorted by winner id, hex encoded. The same set in any order
// yields the same checksum.
func PayoutChecksum(winners []domain.WinnerSelection) string {
	return checksumRecipients(recipientsFor(winners))
}

func checksumRecipients(recipients []payoutRecipient) string {
	h := sha256.New()
	for _, r := range recipients {
		fmt.Fprintf(h, "%s|%d|%s\n", r.WinnerID, r.Amount, r.Email)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SenderBatchID is the chunk-scoped idempotency key handed to the provider.
func SenderBatchID(batchID uuid.UUID, sequence, attempt int) string {
	return fmt.Sprintf("%s-%d-a%d", batchID, sequence, attempt)
}
