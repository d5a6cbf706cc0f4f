package views

import (
	"github.com/rohanthewiz/element"

	"syncml/models"
)

const dashboardStyles = `
body { font-family: -apple-system, "Segoe UI", Helvetica, Arial, sans-serif; margin: 0; background: #f4f6f8; color: #1f2937; }
.page-header { background: #4a6fa5; color: #fff; padding: 1rem 2rem; }
.page-header h1 { margin: 0; font-size: 1.4rem; }
.page-header small { color: #dbe4f0; }
main { max-width: 960px; margin: 1.5rem auto; padding: 0 1rem; }
.card { background: #fff; border: 1px solid #e5e7eb; border-radius: 6px; padding: 1rem 1.25rem; margin-bottom: 1.25rem; }
.card h2 { margin-top: 0; font-size: 1.1rem; }
.row { display: flex; gap: 1rem; padding: 0.4rem 0; border-bottom: 1px solid #f0f2f5; }
.row:last-child { border-bottom: none; }
.row .label { width: 11rem; color: #6b7280; flex-shrink: 0; }
.peer { border: 1px solid #e5e7eb; border-radius: 6px; padding: 0.75rem 1rem; margin-bottom: 0.75rem; }
.peer h3 { margin: 0 0 0.5rem 0; font-size: 1rem; }
.store { background: #f9fafb; border-radius: 4px; padding: 0.5rem 0.75rem; margin: 0.4rem 0; }
.uri { font-family: ui-monospace, Menlo, monospace; font-size: 0.9rem; }
.anchor { font-family: ui-monospace, Menlo, monospace; font-size: 0.85rem; color: #374151; }
.muted { color: #9ca3af; }
.badge { display: inline-block; background: #e8eef7; color: #35588c; border-radius: 10px; padding: 0.05rem 0.6rem; font-size: 0.8rem; margin-left: 0.5rem; }
`

// StoreRow pairs a peer datastore with its local binding for display.
type StoreRow struct {
	Store   *models.Store
	Binding *models.Binding
}

// PeerRow is one known peer and its datastores.
type PeerRow struct {
	Peer   *models.Adapter
	Stores []StoreRow
}

// DashboardData is everything the status page shows.
type DashboardData struct {
	Local  *models.Adapter
	Stores []*models.Store
	Peers  []PeerRow
	Notes  []*models.Note
}

// RenderDashboard creates the status page
func RenderDashboard(data DashboardData) string {
	return BaseLayout("SyncML", dashboardStyles, Dashboard{Data: data})
}

// Dashboard component for the status page
type Dashboard struct {
	Data DashboardData
}

func (d Dashboard) Render(b *element.Builder) (x any) {
	b.Header("class", "page-header").R(
		b.H1().T("SyncML"),
		b.Small().F("device %s", d.Data.Local.DevID),
	)
	b.Main().R(
		d.renderLocal(b),
		d.renderPeers(b),
		d.renderNotes(b),
	)
	return
}

func (d Dashboard) renderLocal(b *element.Builder) (x any) {
	b.DivClass("card").R(
		b.H2().T("Local Device"),
		b.DivClass("row").R(
			b.SpanClass("label").T("Name"),
			b.Span().T(d.Data.Local.Name),
		),
		b.DivClass("row").R(
			b.SpanClass("label").T("Device ID"),
			b.SpanClass("uri").T(d.Data.Local.DevID),
		),
		b.DivClass("row").R(
			b.SpanClass("label").T("Datastores"),
			b.Span().R(
				b.Wrap(func() {
					if len(d.Data.Stores) == 0 {
						b.SpanClass("muted").T("none")
						return
					}
					element.ForEach(d.Data.Stores, func(store *models.Store) {
						b.SpanClass("uri badge").T(store.URI)
					})
				}),
			),
		),
	)
	return
}

func (d Dashboard) renderPeers(b *element.Builder) (x any) {
	b.DivClass("card").R(
		b.H2().F("Known Peers (%d)", len(d.Data.Peers)),
		b.Wrap(func() {
			if len(d.Data.Peers) == 0 {
				b.PClass("muted").T("No peers have synchronized with this device yet.")
				return
			}
			element.ForEach(d.Data.Peers, func(row PeerRow) {
				element.RenderComponents(b, peerCard{Row: row})
			})
		}),
	)
	return
}

func (d Dashboard) renderNotes(b *element.Builder) (x any) {
	b.DivClass("card").R(
		b.H2().F("Notes (%d)", len(d.Data.Notes)),
		b.Wrap(func() {
			if len(d.Data.Notes) == 0 {
				b.PClass("muted").T("No notes yet.")
				return
			}
			element.ForEach(d.Data.Notes, func(note *models.Note) {
				b.DivClass("row").R(
					b.SpanClass("label").T(note.Name),
					b.SpanClass("muted").T(note.UpdatedAt.Format("2006-01-02 15:04")),
				)
			})
		}),
	)
	return
}

// peerCard renders one peer with its datastores and sync anchors
type peerCard struct {
	Row PeerRow
}

func (p peerCard) Render(b *element.Builder) (x any) {
	peer := p.Row.Peer
	b.DivClass("peer").R(
		b.H3().R(
			b.T(peer.Name),
			b.SpanClass("badge").T(peer.ConflictPolicy.String()),
			b.Wrap(func() {
				if peer.LastSessionID.Valid {
					b.SpanClass("badge").F("session %s", peer.LastSessionID.String)
				}
			}),
		),
		b.DivClass("row").R(
			b.SpanClass("label").T("Device ID"),
			b.SpanClass("uri").T(peer.DevID),
		),
		b.Wrap(func() {
			element.ForEach(p.Row.Stores, func(sr StoreRow) {
				b.DivClass("store").R(
					b.DivClass("row").R(
						b.SpanClass("label").T("Store"),
						b.SpanClass("uri").T(sr.Store.URI),
					),
					b.Wrap(func() {
						if sr.Binding == nil {
							b.DivClass("row").R(
								b.SpanClass("label").T("Binding"),
								b.SpanClass("muted").T("unbound"),
							)
							return
						}
						b.DivClass("row").R(
							b.SpanClass("label").T("Bound to"),
							b.SpanClass("uri").T(sr.Binding.URI),
						)
						b.DivClass("row").R(
							b.SpanClass("label").T("Anchors"),
							b.SpanClass("anchor").F("local %s / peer %s",
								anchorOrDash(sr.Binding.SourceAnchor.Valid, sr.Binding.SourceAnchor.String),
								anchorOrDash(sr.Binding.TargetAnchor.Valid, sr.Binding.TargetAnchor.String)),
						)
					}),
				)
			})
		}),
	)
	return
}

func anchorOrDash(valid bool, s string) string {
	if !valid || s == "" {
		return "-"
	}
	return s
}
