// Package templates embeds the default configuration and action catalog.
package templates

import "embed"

//go:embed config.yaml actions.yaml
var FS embed.FS
