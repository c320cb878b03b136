package trust

import (
	"encoding/json"
	"fmt"

	"github.com/mbd888/trustgate/internal/outbox"
)

// AggregateTrustProfile tags outbox entries produced by this package.
const AggregateTrustProfile = "trust_profile"

// outboxEntry wraps rec for the audit relay.
func outboxEntry(rec *AuditRecord) (*outbox.Entry, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode audit record: %w", err)
	}
	e := outbox.NewEntry(AggregateTrustProfile, rec.AccountID, rec.Action, payload)
	e.CreatedAt = rec.CreatedAt
	return e, nil
}

func cloneAudit(rec *AuditRecord) *AuditRecord {
	cp := *rec
	cp.Reasons = cloneStrings(rec.Reasons)
	cp.Penalties = cloneStrings(rec.Penalties)
	return &cp
}
