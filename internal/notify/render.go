package notify

import (
	"fmt"
	"html"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"buyscope/internal/model"
)

const (
	defaultEmoji = "🟢"
	maxEmojis    = 100
	captionLimit = 1024
)

// explorers maps chain names to block explorer base URLs.
var explorers = map[string]string{
	"eth":      "https://etherscan.io",
	"ethereum": "https://etherscan.io",
	"bsc":      "https://bscscan.com",
	"base":     "https://basescan.org",
	"arbitrum": "https://arbiscan.io",
	"polygon":  "https://polygonscan.com",
	"optimism": "https://optimistic.etherscan.io",
	"avax":     "https://snowtrace.io",
}

// Render formats an alert as Telegram HTML.
func Render(alert model.Alert) string {
	var b strings.Builder

	symbol := alert.TargetSymbol
	if symbol == "" {
		symbol = shortAddress(alert.TargetToken)
	}
	fmt.Fprintf(&b, "<b>%s Buy!</b>\n", html.EscapeString(symbol))
	b.WriteString(emojiBar(alert.Render, alert.ValueUSD))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "💵 Spent: <b>%s %s</b> (%s)\n",
		formatAmount(alert.BaseAmount), html.EscapeString(alert.BaseSymbol), formatUSD(alert.ValueUSD))
	fmt.Fprintf(&b, "🪙 Got: <b>%s %s</b>\n", formatAmount(alert.TargetAmount), html.EscapeString(symbol))
	fmt.Fprintf(&b, "👤 Buyer: %s\n", link(explorerURL(alert.Chain, "address", alert.Buyer), shortAddress(alert.Buyer)))
	if alert.PositionIncrease != nil {
		fmt.Fprintf(&b, "📈 Position: +%d%%\n", *alert.PositionIncrease)
	} else {
		b.WriteString("🆕 New holder\n")
	}
	if alert.PriceUSD > 0 {
		fmt.Fprintf(&b, "🏷 Price: $%s\n", formatPrice(alert.PriceUSD))
	}
	if alert.MarketCap > 0 {
		fmt.Fprintf(&b, "🏦 Market cap: %s\n", formatUSD(alert.MarketCap))
	}
	if alert.LiquidityUSD > 0 {
		fmt.Fprintf(&b, "💧 Liquidity: %s\n", formatUSD(alert.LiquidityUSD))
	}
	if alert.Volume24h > 0 {
		fmt.Fprintf(&b, "📊 Volume 24h: %s\n", formatUSD(alert.Volume24h))
	}
	b.WriteString("\n")
	b.WriteString(link(explorerURL(alert.Chain, "tx", alert.TxHash), "TX"))
	if alert.PoolAddress != "" {
		b.WriteString(" | ")
		b.WriteString(link(fmt.Sprintf("https://dexscreener.com/%s/%s", alert.Chain, alert.PoolAddress), "Chart"))
	}
	return b.String()
}

// emojiBar repeats the group emoji once per step of USD value.
func emojiBar(prefs model.RenderPrefs, valueUSD float64) string {
	emoji := prefs.Emoji
	if emoji == "" {
		emoji = defaultEmoji
	}
	count := 1
	if prefs.EmojiStepUSD > 0 && valueUSD > 0 {
		count = int(math.Floor(valueUSD / prefs.EmojiStepUSD))
	}
	count = max(1, min(count, maxEmojis))
	return strings.Repeat(emoji, count)
}

func explorerURL(chainName, kind, value string) string {
	base, ok := explorers[strings.ToLower(chainName)]
	if !ok || value == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", base, kind, value)
}

func link(href, text string) string {
	if href == "" {
		return html.EscapeString(text)
	}
	return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), html.EscapeString(text))
}

func shortAddress(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:6] + "…" + address[len(address)-4:]
}

func formatAmount(amount string) string {
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return html.EscapeString(amount)
	}
	switch {
	case value.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return groupThousands(value.StringFixed(0))
	case value.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return value.StringFixed(2)
	default:
		return value.Round(6).String()
	}
}

func formatUSD(value float64) string {
	return "$" + groupThousands(decimal.NewFromFloat(value).StringFixed(0))
}

func formatPrice(value float64) string {
	price := decimal.NewFromFloat(value)
	if price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return groupThousands(price.StringFixed(2))
	}
	return price.Round(10).String()
}

// groupThousands inserts commas into the integer part of a plain decimal string.
func groupThousands(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return sign + b.String()
}

func truncateCaption(text string) string {
	runes := []rune(text)
	if len(runes) <= captionLimit {
		return text
	}
	return string(runes[:captionLimit-1]) + "…"
}
