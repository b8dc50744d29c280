package assets

import "embed"

// WebFS holds the gateway's status page.
//
//go:embed web/*.html
var WebFS embed.FS

//go:embed all:migrations
var MigrationsFS embed.FS
