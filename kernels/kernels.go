// Package kernels embeds the WGSL programs of the built-in kernel variants.
package kernels

import "embed"

//go:embed *.wgsl
var FS embed.FS
