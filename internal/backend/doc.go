// Package backend defines the fleet of image-generation backend instances, the
// client capability the hub needs from each of them, and the registry that
// answers which instances can serve a given render type and how loaded they are.
package backend
