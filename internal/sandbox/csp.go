package sandbox

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/toolframe/toolframe/internal/protocol"
)

// BuildCSP renders a Content-Security-Policy from the caller-declared
// domain widenings. Base directives are maximally restrictive; resource
// domains widen script/style/img/font sources and connect domains widen
// connect-src. The output is deterministic for a given input: directive
// order is fixed and declared domains keep their declared order.
func BuildCSP(cfg protocol.CSPConfig) string {
	resources := sanitizeDomains(cfg.ResourceDomains)
	connects := sanitizeDomains(cfg.ConnectDomains)

	directives := []string{
		"default-src 'self'",
		directive("script-src 'self' 'unsafe-inline'", resources),
		directive("style-src 'self' 'unsafe-inline'", resources),
		directive("img-src 'self' data:", resources),
		directive("font-src 'self'", resources),
		directive("connect-src 'self'", connects),
		"object-src 'none'",
		"frame-src 'none'",
		"base-uri 'self'",
	}
	return strings.Join(directives, "; ")
}

// BuildMetaTag renders the CSP as the meta element injected into guest
// documents. Byte-identical for identical input.
func BuildMetaTag(cfg protocol.CSPConfig) string {
	return `<meta http-equiv="Content-Security-Policy" content="` + BuildCSP(cfg) + `">`
}

// InjectMeta splices the CSP meta tag immediately after the document's
// opening <head> tag, synthesizing a head when the document has none. The
// rest of the document is carried byte-for-byte.
func InjectMeta(doc string, cfg protocol.CSPConfig) string {
	meta := BuildMetaTag(cfg)

	if pos, ok := afterOpeningTag(doc, "head"); ok {
		return doc[:pos] + meta + doc[pos:]
	}
	if pos, ok := afterOpeningTag(doc, "html"); ok {
		return doc[:pos] + "<head>" + meta + "</head>" + doc[pos:]
	}
	return "<head>" + meta + "</head>" + doc
}

// afterOpeningTag finds the byte offset just past the first opening tag with
// the given name, tokenizing rather than string-matching so tags inside
// comments or attribute values do not fool it.
func afterOpeningTag(doc, name string) (int, bool) {
	tz := html.NewTokenizer(strings.NewReader(doc))
	offset := 0
	for {
		tt := tz.Next()
		if tt == html.ErrorToken {
			return 0, false
		}
		raw := len(tz.Raw())
		if tt == html.StartTagToken {
			tag, _ := tz.TagName()
			if string(tag) == name {
				return offset + raw, true
			}
		}
		offset += raw
	}
}

// sanitizeDomains drops entries that could break out of the meta attribute
// or terminate the directive.
func sanitizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimSpace(d)
		if d == "" || strings.ContainsAny(d, `"';`+" ") {
			continue
		}
		out = append(out, d)
	}
	return out
}

func directive(base string, domains []string) string {
	if len(domains) == 0 {
		return base
	}
	return base + " " + strings.Join(domains, " ")
}
