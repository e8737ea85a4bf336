// Package defaults holds the starter files written by clima init.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// EnvFile lists the secrets ConfigYAML references.
//
//go:embed env.example
var EnvFile []byte
