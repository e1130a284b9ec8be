package tracking

import (
	"fmt"
	"regexp"
	"strings"
)

// TransparentGIF is the 1x1 transparent image served for open pixels.
var TransparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x21, 0xF9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2C, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3B,
}

var (
	bodyCloseRe = regexp.MustCompile(`(?i)</body>`)
	hrefRe      = regexp.MustCompile(`(?i)href\s*=\s*["']([^"']+)["']`)
)

// Injector rewrites outgoing HTML with tracking artifacts
type Injector struct {
	baseURL   string
	pixelPath string
	clickPath string
}

// NewInjector builds an injector. baseURL is the public origin of the
// tracking endpoints, without a trailing slash.
func NewInjector(baseURL, pixelPath, clickPath string) *Injector {
	return &Injector{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		pixelPath: pixelPath,
		clickPath: clickPath,
	}
}

// InjectPixel adds an open-tracking pixel to the HTML body. The pixel
// goes just before </body> when present, otherwise it is appended.
func (in *Injector) InjectPixel(htmlBody, messageID, domainID string) (string, error) {
	tok, err := EncodePixelToken(PixelToken{MessageID: messageID, DomainID: domainID})
	if err != nil {
		return htmlBody, err
	}
	pixel := fmt.Sprintf(`<img src="%s%s/%s" width="1" height="1" alt="" style="display:none;border:0;" />`,
		in.baseURL, in.pixelPath, tok)

	if loc := bodyCloseRe.FindStringIndex(htmlBody); loc != nil {
		return htmlBody[:loc[0]] + pixel + htmlBody[loc[0]:], nil
	}
	return htmlBody + pixel, nil
}

// RewriteLinks replaces href targets with click-tracking redirects.
// Non-HTTP schemes, fragments and unsubscribe links are left alone.
func (in *Injector) RewriteLinks(htmlBody, messageID, domainID string) (string, error) {
	linkIndex := 0
	var encodeErr error

	rewritten := hrefRe.ReplaceAllStringFunc(htmlBody, func(match string) string {
		groups := hrefRe.FindStringSubmatch(match)
		original := groups[1]
		if skipLink(original) {
			return match
		}

		tok, err := EncodeLinkToken(LinkToken{
			MessageID:   messageID,
			DomainID:    domainID,
			OriginalURL: original,
			LinkIndex:   linkIndex,
		})
		if err != nil {
			encodeErr = err
			return match
		}
		linkIndex++
		return fmt.Sprintf(`href="%s%s/%s"`, in.baseURL, in.clickPath, tok)
	})

	return rewritten, encodeErr
}

func skipLink(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	if strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tel:") ||
		strings.HasPrefix(lower, "javascript:") ||
		strings.HasPrefix(lower, "#") {
		return true
	}
	return strings.Contains(lower, "unsubscribe")
}
