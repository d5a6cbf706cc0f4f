package views

import (
	"github.com/rohanthewiz/element"
)

// BaseLayout creates the base HTML structure for all pages.
// Styles are inlined so the dashboard needs no separate assets.
func BaseLayout(title string, styles string, bodyComponent element.Component) string {
	b := element.NewBuilder()

	b.Html().R(
		b.Head().R(
			b.Meta("charset", "UTF-8"),
			b.Meta("viewport", "width=device-width, initial-scale=1.0"),
			b.Title().T(title),
			b.Wrap(func() {
				if styles != "" {
					b.Style().T(styles)
				}
			}),
		),
		b.Body().R(
			element.RenderComponents(b, bodyComponent),
		),
	)

	return b.String()
}
