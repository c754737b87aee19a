// ABOUTME: Embeds HTML templates and the markdown setup guide using go:embed
// ABOUTME: Provides pagesFS for loading templates at startup

package gateway

import "embed"

//go:embed templates/*.html docs/*.md
var pagesFS embed.FS
