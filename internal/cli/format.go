package cli

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FormatBRL formats an amount in Brazilian currency format: R$ 1.234.567,89.
func FormatBRL(amount decimal.Decimal) string {
	negative := amount.IsNegative()
	str := amount.Abs().StringFixed(2)
	parts := strings.SplitN(str, ".", 2)

	result := "R$ " + groupThousands(parts[0]) + "," + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

// groupThousands inserts a dot between groups of three digits.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	head := n % 3
	var b strings.Builder
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPrice formats a price with two decimals, or four below one real.
func FormatPrice(price decimal.Decimal) string {
	if price.Abs().LessThan(decimal.NewFromInt(1)) && !price.IsZero() {
		return price.StringFixed(4)
	}
	return price.StringFixed(2)
}

// FormatVolume formats a share count without trailing zeros.
func FormatVolume(volume decimal.Decimal) string {
	return volume.String()
}

var saoPaulo = func() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return time.FixedZone("BRT", -3*60*60)
	}
	return loc
}()

// FormatDate formats a date in exchange time.
func FormatDate(t time.Time) string {
	return t.In(saoPaulo).Format("02/01/2006")
}

// FormatDateTime formats a datetime in exchange time.
func FormatDateTime(t time.Time) string {
	return t.In(saoPaulo).Format("02/01/2006 15:04:05")
}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
