// Package objectstore emulates the object-storage service on the local
// filesystem: bodies live at <data>/<bucket>/<key>, metadata sidecars at
// <data>/.meta/<bucket>/<key>.json. The surface is the hybrid REST dialect
// with XML envelopes for the bucket management subset and raw bytes for
// object bodies. Writes and deletes emit bucket notifications through a
// per-bucket dispatcher, which is what bucket-to-function triggers hook.
package objectstore
