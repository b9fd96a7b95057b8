package tgmd

import (
	"strings"
)

// M represents MarkdownV2 that is safe to pass to Telegram when
// ParseMode="MarkdownV2". Values of type M should be treated as
// already-escaped.
type M string

func (m M) String() string { return string(m) }

// escapeChars is the full reserved set of the MarkdownV2 dialect.
const escapeChars = "_*[]()~`>#+-=|{}.!"

var escaper = func() *strings.Replacer {
	pairs := make([]string, 0, len(escapeChars)*2)
	for _, c := range escapeChars {
		pairs = append(pairs, string(c), `\`+string(c))
	}
	return strings.NewReplacer(pairs...)
}()

// Esc escapes text for Telegram MarkdownV2 parse mode.
func Esc(s string) M { return M(escaper.Replace(s)) }

// Raw marks a string as already-safe MarkdownV2.
// Use sparingly.
func Raw(s string) M { return M(s) }

func B(s string) M { return "*" + Esc(s) + "*" }
func I(s string) M { return "_" + Esc(s) + "_" }

// Bf wraps already-safe MarkdownV2 in bold.
func Bf(m M) M { return "*" + m + "*" }

// Link builds a MarkdownV2 link. The URL part escapes only ')' and '\',
// per the dialect rules for inline link targets.
func Link(text, url string) M {
	u := strings.ReplaceAll(url, `\`, `\\`)
	u = strings.ReplaceAll(u, `)`, `\)`)
	return "[" + Esc(text) + "](" + M(u) + ")"
}

// Mention links a display name to a t.me handle.
func Mention(name, username string) M {
	return Link(name, "t.me/"+username)
}

// Join joins safe MarkdownV2 parts with sep, skipping blank parts.
func Join(sep string, parts ...M) M {
	if len(parts) == 0 {
		return ""
	}
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return M(strings.Join(ss, sep))
}
