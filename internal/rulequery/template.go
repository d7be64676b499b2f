// Package rulequery renders billing rule query templates into fully
// literal warehouse SQL.
package rulequery

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Placeholder tokens understood by Render. Every occurrence of a token is
// substituted; unknown tokens pass through untouched (see Missing).
const (
	TokenContractID      = ":billing_contract_id"
	TokenActiveAt        = ":active_at"
	TokenInactiveAt      = ":inactive_at"
	TokenRate            = ":rate"
	TokenAccountID       = ":account_id"
	TokenAccountFeatures = ":account_features"
)

// Context carries the typed values substituted into a rule template.
type Context struct {
	ContractID snowflake.ID
	AccountID  snowflake.ID
	ActiveAt   time.Time
	InactiveAt *time.Time
	Rate       string
	Features   []string
}

// Render substitutes every known placeholder with its escaped literal.
// A missing inactive-at renders as the open-ended 'infinity' timestamp.
func Render(template string, c Context) string {
	replacer := strings.NewReplacer(
		TokenContractID, c.ContractID.String(),
		TokenAccountID, c.AccountID.String(),
		TokenActiveAt, timestampLiteral(c.ActiveAt),
		TokenInactiveAt, inactiveAtLiteral(c.InactiveAt),
		TokenRate, moneyLiteral(c.Rate),
		TokenAccountFeatures, textArrayLiteral(c.Features),
	)
	return replacer.Replace(template)
}

func timestampLiteral(t time.Time) string {
	return fmt.Sprintf("'%s'::timestamp", t.UTC().Format(time.RFC3339))
}

func inactiveAtLiteral(t *time.Time) string {
	if t == nil {
		return "'infinity'::timestamp"
	}
	return timestampLiteral(*t)
}

func moneyLiteral(rate string) string {
	return fmt.Sprintf("'%s'::money", escape(rate))
}

func textArrayLiteral(features []string) string {
	if len(features) == 0 {
		return "'{}'::text[]"
	}
	escaped := make([]string, 0, len(features))
	for _, f := range features {
		escaped = append(escaped, escape(f))
	}
	return fmt.Sprintf("'{%s}'::text[]", strings.Join(escaped, ","))
}

func escape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// tokenPattern matches :snake_case placeholders while skipping '::' casts.
var tokenPattern = regexp.MustCompile(`(?:^|[^:A-Za-z0-9_])(:[a-z][a-z0-9_]*)`)

// Missing reports placeholder-shaped tokens left in a rendered query, in
// order of first appearance. Rendering itself never fails on unknown
// tokens; this exists so the debug surface can flag likely typos.
func Missing(rendered string) []string {
	matches := tokenPattern.FindAllStringSubmatch(rendered, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		token := m[1]
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens
}
