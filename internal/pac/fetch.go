package pac

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"

	"github.com/rennerdo30/heimdall-proxy/internal/version"
)

// Fetch limits. A PAC file bigger than maxScriptBytes is rejected
// rather than truncated.
const maxScriptBytes = 1 << 20

// Fetch downloads a PAC script. Any status other than 200 is an
// error; the download never goes through a proxy itself. The body is
// decoded to UTF-8 using the Content-Type charset when one is given.
func Fetch(ctx context.Context, client *http.Client, pacURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pacURL, nil)
	if err != nil {
		return "", fmt.Errorf("build PAC request for %s: %w", pacURL, err)
	}
	req.Header.Set("User-Agent", version.UserAgent()+" (PAC fetch)")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch PAC from %s: %w", pacURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch PAC from %s: status %s", pacURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes+1))
	if err != nil {
		return "", fmt.Errorf("read PAC body from %s: %w", pacURL, err)
	}
	if len(body) > maxScriptBytes {
		return "", fmt.Errorf("PAC script from %s exceeds %d bytes", pacURL, maxScriptBytes)
	}

	return decodeScript(body, resp.Header.Get("Content-Type"))
}

// decodeScript converts the raw body to UTF-8. An unknown charset
// falls back to treating the body as UTF-8 already.
func decodeScript(body []byte, contentType string) (string, error) {
	name := ""
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			name = strings.ToLower(params["charset"])
		}
	}

	if name != "" && name != "utf-8" && name != "utf8" {
		if enc, _ := charset.Lookup(name); enc != nil {
			decoded, _, err := transform.Bytes(enc.NewDecoder(), body)
			if err != nil {
				return "", fmt.Errorf("decode PAC script as %s: %w", name, err)
			}
			body = decoded
		}
	}

	if !utf8.Valid(body) {
		return strings.ToValidUTF8(string(body), string(utf8.RuneError)), nil
	}
	return string(body), nil
}
