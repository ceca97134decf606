// Package templates embeds the default configuration and example
// workflow installed by segue setup.
package templates

import "embed"

//go:embed config.yaml workflows
var FS embed.FS
