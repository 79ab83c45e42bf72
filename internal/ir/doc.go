// Package ir defines the value types carried by entity fields, patches and push payloads,
// plus their canonical JSON encoding and content hashes.
package ir
