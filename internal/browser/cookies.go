package browser

import (
	"net/url"
	"strings"

	"github.com/go-rod/rod/lib/proto"

	"github.com/Rorqualx/flaresolverr-bridge/internal/types"
)

// toCookie converts a CDP cookie to the API shape. Session cookies report
// an expiry of -1.
func toCookie(c *proto.NetworkCookie) types.Cookie {
	expires := float64(c.Expires)
	if c.Session || expires <= 0 {
		expires = -1
	}
	return types.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  expires,
		Size:     c.Size,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		Session:  c.Session,
		SameSite: string(c.SameSite),
	}
}

// toCookieParams converts stored cookies to CDP parameters, skipping
// expired ones and cookies without a domain.
func toCookieParams(cookies []types.Cookie, now float64) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" || c.Domain == "" || c.IsExpired(now) {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		}
		if !c.Session && c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, p)
	}
	return params
}

// requestCookieParams converts caller-supplied cookies for targetURL. A
// cookie domain that does not match the target host is replaced by the host.
func requestCookieParams(cookies []types.RequestCookie, targetURL string) []*proto.NetworkCookieParam {
	if len(cookies) == 0 {
		return nil
	}
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil
	}
	host := u.Hostname()

	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		path := c.Path
		if path == "" {
			path = "/"
		}
		params = append(params, &proto.NetworkCookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: cookieDomain(c.Domain, host),
			Path:   path,
			Secure: u.Scheme == "https",
		})
	}
	return params
}

// cookieDomain keeps domain only if host is inside it.
func cookieDomain(domain, host string) string {
	d := strings.TrimPrefix(strings.ToLower(domain), ".")
	h := strings.ToLower(host)
	if d == "" {
		return host
	}
	if h == d || strings.HasSuffix(h, "."+d) {
		return domain
	}
	return host
}
