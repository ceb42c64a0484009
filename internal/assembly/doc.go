// Package assembly parses a synthesized cloud assembly directory (root
// manifest, stack templates, asset manifests) into a flat resource list and
// builds the application graph from it. Discovery of the directory itself
// is the caller's concern.
package assembly
