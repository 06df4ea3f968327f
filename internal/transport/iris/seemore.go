package iris

import "strings"

const (
	seeMorePadding   = 500
	zeroWidthSpace   = "\u200b"
	defaultFoldLines = 12
)

// foldLong collapses long messages behind KakaoTalk's "see more" fold: the
// first line stays visible and zero-width padding pushes the rest out of
// the preview. maxLines <= 0 disables folding.
func foldLong(text string, maxLines int) string {
	if maxLines <= 0 || strings.Count(text, "\n")+1 <= maxLines {
		return text
	}
	head, body, _ := strings.Cut(text, "\n")
	return applySeeMorePadding(body, head)
}

func applySeeMorePadding(text, instruction string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	message := strings.TrimSpace(instruction)

	var b strings.Builder
	b.Grow(len(text) + seeMorePadding*len(zeroWidthSpace) + len(message) + 2)
	b.WriteString(message)
	b.WriteString(strings.Repeat(zeroWidthSpace, seeMorePadding))
	if !strings.HasPrefix(text, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(text)
	return b.String()
}
