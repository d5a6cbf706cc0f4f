package web

import (
	"github.com/rohanthewiz/rweb"
)

// SetupStaticFiles registers static asset routes. The dashboard carries
// its styles inline, so the favicon is the only asset served.
func SetupStaticFiles(s *rweb.Server) {
	// Serve /favicon.ico as an inline SVG so no separate icon file is needed
	const faviconSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 500 500"><rect width="500" height="500" rx="40" fill="#4a6fa5"/><path d="M130 210a120 120 0 0 1 226-36" stroke="white" stroke-width="34" fill="none" stroke-linecap="round"/><path d="M370 290a120 120 0 0 1-226 36" stroke="white" stroke-width="34" fill="none" stroke-linecap="round"/><path d="M356 120v70h-70z" fill="white"/><path d="M144 380v-70h70z" fill="white"/></svg>`

	s.Get("/favicon.ico", func(c rweb.Context) error {
		c.Response().SetHeader("Content-Type", "image/svg+xml")
		c.Response().SetHeader("Cache-Control", "public, max-age=86400")
		return c.Bytes([]byte(faviconSVG))
	})
}
