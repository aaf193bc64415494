package main

import (
	"errors"
	"strconv"
	"strings"
)

// Minimal BOLT11 human-readable-part parsing: the budget check only needs the
// invoice amount, which lives entirely in the HRP, so no full bech32 decode.

var errNoAmount = errors.New("invoice carries no amount")

// invoiceAmountSat extracts the amount in satoshis from a BOLT11 invoice.
// Returns errNoAmount for amountless invoices.
func invoiceAmountSat(invoice string) (int64, error) {
	inv := strings.ToLower(strings.TrimSpace(invoice))
	inv = strings.TrimPrefix(inv, "lightning:")

	if !strings.HasPrefix(inv, "ln") {
		return 0, errors.New("not a bolt11 invoice")
	}

	// HRP ends at the last '1' separator
	sep := strings.LastIndex(inv, "1")
	if sep < 2 {
		return 0, errors.New("malformed invoice: no separator")
	}
	hrp := inv[:sep]

	// skip "ln" and the currency prefix (bc, tb, bcrt, ...) up to the first digit
	rest := hrp[2:]
	digitStart := -1
	for i, c := range rest {
		if c >= '0' && c <= '9' {
			digitStart = i
			break
		}
	}
	if digitStart == -1 {
		return 0, errNoAmount
	}
	amountPart := rest[digitStart:]

	// optional multiplier suffix
	multiplier := byte(0)
	last := amountPart[len(amountPart)-1]
	if last == 'm' || last == 'u' || last == 'n' || last == 'p' {
		multiplier = last
		amountPart = amountPart[:len(amountPart)-1]
	}
	if amountPart == "" {
		return 0, errors.New("malformed invoice amount")
	}

	amount, err := strconv.ParseInt(amountPart, 10, 64)
	if err != nil || amount <= 0 {
		return 0, errors.New("malformed invoice amount")
	}

	// amount is in BTC scaled by the multiplier; convert to sats (1 BTC = 1e8 sat)
	switch multiplier {
	case 0:
		return checkedMul(amount, 100_000_000)
	case 'm':
		return checkedMul(amount, 100_000)
	case 'u':
		return checkedMul(amount, 100)
	case 'n':
		if amount%10 != 0 {
			return 0, errors.New("sub-satoshi invoice amount")
		}
		return amount / 10, nil
	case 'p':
		if amount%10_000 != 0 {
			return 0, errors.New("sub-satoshi invoice amount")
		}
		return amount / 10_000, nil
	}
	return 0, errors.New("unknown amount multiplier")
}

func checkedMul(a, b int64) (int64, error) {
	result := a * b
	if a != 0 && result/a != b {
		return 0, errors.New("invoice amount overflow")
	}
	return result, nil
}
