package event

import (
	"strconv"
	"strings"

	"rallybot/pkg/tgmd"
)

// Render produces the MarkdownV2 announcement body: escaped template,
// blank line, image reference, optional links, then the two labeled voter
// lists. Dynamic fields (template, links, names, handles) are escaped;
// the structural markup the renderer itself introduces is not.
//
// signature, when non-empty, is appended as a footer under a rule line.
func (e *Event) Render(signature string) string {
	var b strings.Builder

	b.WriteString(tgmd.Esc(e.Template).String())
	b.WriteString("\n\n")
	// Image is a pre-built markup reference (typically a zero-width link),
	// inserted as-is.
	b.WriteString(e.Image)
	b.WriteString("\n")
	if strings.TrimSpace(e.Links) != "" {
		b.WriteString(tgmd.Esc(e.Links).String())
		b.WriteString("\n")
	}

	going, maybe := e.Counts()
	b.WriteString("*Going \\(")
	b.WriteString(strconv.Itoa(going))
	b.WriteString("\\):*\n\t")
	b.WriteString(voterList(e.Going))
	b.WriteString("\n\n*Maybe \\(")
	b.WriteString(strconv.Itoa(maybe))
	b.WriteString("\\):*\n\t")
	b.WriteString(voterList(e.Maybe))

	if strings.TrimSpace(signature) != "" {
		b.WriteString("\n\n━━━━━━━━━━━━━━\n")
		b.WriteString(tgmd.Esc(signature).String())
	}
	return b.String()
}

func voterList(users []User) string {
	if len(users) == 0 {
		return "No one yet"
	}
	parts := make([]tgmd.M, 0, len(users))
	for _, u := range users {
		if u.Username != "" {
			parts = append(parts, tgmd.Mention(u.FullName, u.Username))
		} else {
			parts = append(parts, tgmd.Esc(u.FullName))
		}
	}
	return tgmd.Join("\n\t", parts...).String()
}

