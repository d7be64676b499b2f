package domain

// DefaultRuleQuery is the rule used by contracts without an override.
// Placeholders are substituted by the rulequery renderer.
const DefaultRuleQuery = `
SELECT r.identity_id,
       r.invoiced_at,
       r.schema_type,
       r.*
FROM billable_rows r
WHERE r.account_id = :account_id
  AND r.invoiced_at >= :active_at
  AND r.invoiced_at < :inactive_at
  AND r.features && :account_features
ORDER BY r.invoiced_at ASC`

// DefaultRule returns the in-code rule applied when a contract carries no
// override. It is never persisted, so rule errors for default-rule
// contracts are recorded on the contract's own rule row when one exists.
func DefaultRule() *BillingRule {
	return &BillingRule{Query: DefaultRuleQuery}
}
