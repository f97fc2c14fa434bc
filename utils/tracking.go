package utils

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// TransparentGIF is the 1x1 image served by the open-tracking endpoint.
const TransparentGIF = "R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7"

var (
	pixelBytes, _ = base64.StdEncoding.DecodeString(TransparentGIF)

	htmlTagPattern  = regexp.MustCompile(`(?i)<[a-z][^>]*>`)
	plainURLPattern = regexp.MustCompile(`https?://[^\s<>"']+`)
	hrefPattern     = regexp.MustCompile(`(?i)(<a\s[^>]*?href\s*=\s*["'])(https?://[^"']+)(["'])`)
)

// TransparentPixel returns a copy of the tracking GIF.
func TransparentPixel() []byte {
	out := make([]byte, len(pixelBytes))
	copy(out, pixelBytes)
	return out
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL string, messageID uint, recipient string) string {
	return fmt.Sprintf("%s/track/open/%d?recipient=%s", baseURL, messageID, url.QueryEscape(recipient))
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL string, messageID uint, recipient, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%d?url=%s&recipient=%s",
		baseURL, messageID, url.QueryEscape(originalURL), url.QueryEscape(recipient))
}

// LooksLikeHTML reports whether body contains at least one HTML tag.
func LooksLikeHTML(body string) bool {
	return htmlTagPattern.MatchString(body)
}

// InjectTracking rewrites links through the click endpoint and appends the
// open pixel. Plain-text bodies get their URLs turned into anchors and
// their newlines into <br>.
func InjectTracking(body, baseURL string, messageID uint, recipient string) string {
	var html string
	if LooksLikeHTML(body) {
		html = hrefPattern.ReplaceAllStringFunc(body, func(m string) string {
			parts := hrefPattern.FindStringSubmatch(m)
			return parts[1] + GenerateClickTrackURL(baseURL, messageID, recipient, parts[2]) + parts[3]
		})
	} else {
		html = plainURLPattern.ReplaceAllStringFunc(body, func(link string) string {
			return fmt.Sprintf(`<a href="%s">%s</a>`, GenerateClickTrackURL(baseURL, messageID, recipient, link), link)
		})
		html = strings.ReplaceAll(html, "\r\n", "\n")
		html = strings.ReplaceAll(html, "\n", "<br>")
	}

	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`,
		GenerateTrackingPixelURL(baseURL, messageID, recipient))
	return html + pixel
}

// SetPixelHeaders disables every cache between the mail client and the
// tracking endpoints.
func SetPixelHeaders(c *fiber.Ctx) {
	c.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Set("Pragma", "no-cache")
	c.Set("Expires", "0")
	c.Set("Access-Control-Allow-Origin", "*")
}

// RedirectTarget only follows absolute http(s) links; anything else
// becomes "/".
func RedirectTarget(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "/"
	}
	return u.String()
}
