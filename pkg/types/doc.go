// Package types defines the domain model mirrored from the upstream arcade
// network: machines, score tables, avatars and player profiles, together with
// the identity and display-name rules used when diffing score tables.
//
// Every type decodes directly from the upstream JSON. Unknown fields are
// ignored and missing fields degrade to zero values.
package types
