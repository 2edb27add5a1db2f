package referral

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/shopspring/decimal"
)

// TierBenefits is the typed form of a tier's benefits document. Keys without
// a typed field are preserved in Extra.
type TierBenefits struct {
	BonusRate         decimal.NullDecimal
	PrioritySupport   bool
	CustomLandingPage bool
	PayoutFrequency   string
	Extra             map[string]any
}

var benefitKeys = []string{"bonus_rate", "priority_support", "custom_landing_page", "payout_frequency"}

type tierBenefitsJSON struct {
	BonusRate         decimal.NullDecimal `json:"bonus_rate"`
	PrioritySupport   bool                `json:"priority_support,omitempty"`
	CustomLandingPage bool                `json:"custom_landing_page,omitempty"`
	PayoutFrequency   string              `json:"payout_frequency,omitempty"`
}

func (b *TierBenefits) UnmarshalJSON(data []byte) error {
	var typed tierBenefitsJSON
	if err := json.Unmarshal(data, &typed); err != nil {
		return fmt.Errorf("failed to decode tier benefits: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode tier benefits: %w", err)
	}
	for _, k := range benefitKeys {
		delete(raw, k)
	}
	*b = TierBenefits{
		BonusRate:         typed.BonusRate,
		PrioritySupport:   typed.PrioritySupport,
		CustomLandingPage: typed.CustomLandingPage,
		PayoutFrequency:   typed.PayoutFrequency,
	}
	if len(raw) > 0 {
		b.Extra = raw
	}
	return nil
}

func (b TierBenefits) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Extra)+len(benefitKeys))
	maps.Copy(out, b.Extra)
	if b.BonusRate.Valid {
		out["bonus_rate"] = b.BonusRate.Decimal
	}
	if b.PrioritySupport {
		out["priority_support"] = true
	}
	if b.CustomLandingPage {
		out["custom_landing_page"] = true
	}
	if b.PayoutFrequency != "" {
		out["payout_frequency"] = b.PayoutFrequency
	}
	return json.Marshal(out)
}
