package domain

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var moneyPrinter = message.NewPrinter(language.Indonesian)

// FormatMoney renders a whole-unit amount with Indonesian digit grouping, e.g. Rp500.000.
func FormatMoney(amount int64) string {
	return moneyPrinter.Sprintf("Rp%d", amount)
}
