// Package templates embeds the annotated example configuration.
package templates

import _ "embed"

//go:embed replyq.yaml
var ConfigYAML []byte
