package deposits

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quangdang/credmarket-backend/pkg/bankfeed"
	"github.com/quangdang/credmarket-backend/pkg/db/models"
)

// amountTolerance absorbs sub-cent rounding from the currency the bank
// reports in.
var amountTolerance = decimal.RequireFromString("0.01")

// referencePrefixLen is the fixed prefix banks sometimes strip from the code.
const referencePrefixLen = 3

// MatchTransaction hunts for the deposit's reference code in the bank feed.
// It tries three tiers in order, first hit wins: exact match against reference
// variants, partial suffix match, then a substring search in the free-text
// transfer content. Banks truncate, reformat or relocate the code
// unpredictably, which is why a single exact comparison is not enough.
// The function is pure and deterministic for a given input ordering.
func MatchTransaction(pending models.PaymentTransaction, feed []bankfeed.Transaction) (bankfeed.Transaction, bool) {
	code := normalize(pending.Reference)
	if code == "" {
		return bankfeed.Transaction{}, false
	}
	variants := referenceVariants(code)

	for _, external := range feed {
		if !amountMatches(pending.Amount, external.AmountIn) {
			continue
		}
		ref := normalize(external.ReferenceNumber)
		for _, variant := range variants {
			if ref == variant {
				return external, true
			}
		}
	}

	for _, partial := range partialReferences(code) {
		for _, external := range feed {
			if !amountMatches(pending.Amount, external.AmountIn) {
				continue
			}
			ref := normalize(external.ReferenceNumber)
			if ref == "" {
				continue
			}
			if strings.Contains(ref, partial) || strings.Contains(partial, ref) {
				return external, true
			}
		}
	}

	for _, external := range feed {
		if !amountMatches(pending.Amount, external.AmountIn) {
			continue
		}
		content := normalize(external.TransactionContent)
		if content == "" {
			continue
		}
		for _, variant := range variants {
			if strings.Contains(content, variant) {
				return external, true
			}
		}
	}

	return bankfeed.Transaction{}, false
}

// referenceVariants generates the shapes the code may take after a bank
// rewrites it: the raw code, the code without its fixed prefix, a digits-only
// projection and the last 14 characters.
func referenceVariants(code string) []string {
	variants := []string{code}
	if len(code) > referencePrefixLen {
		variants = appendUnique(variants, code[referencePrefixLen:])
	}
	if digits := digitsOnly(code); digits != "" {
		variants = appendUnique(variants, digits)
	}
	if len(code) >= 14 {
		variants = appendUnique(variants, code[len(code)-14:])
	}
	return variants
}

// partialReferences returns the suffixes used by the fallback tier, longest
// first so the most specific partial is tried before the loosest.
func partialReferences(code string) []string {
	partials := []string{}
	for _, n := range []int{15, 10, 8} {
		if len(code) >= n {
			partials = appendUnique(partials, code[len(code)-n:])
		}
	}
	return partials
}

func amountMatches(expected, reported decimal.Decimal) bool {
	return reported.Sub(expected).Abs().LessThan(amountTolerance)
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func digitsOnly(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func appendUnique(values []string, candidate string) []string {
	for _, v := range values {
		if v == candidate {
			return values
		}
	}
	return append(values, candidate)
}
