// Package chunk splits large content into fixed-size chunks stored as
// independent content items and describes them with a manifest.
//
// A logical item "photo.tif" written in three chunks is stored as:
//
//	photo.tif.dura-chunk-0000
//	photo.tif.dura-chunk-0001
//	photo.tif.dura-chunk-0002
//	photo.tif.dura-manifest
//
// The manifest is an XML document listing the parent id, mimetype, total size
// and checksum followed by every chunk in index order with its own size and
// checksum. Reader reassembles the original stream from a manifest and
// verifies every chunk as well as the whole.
package chunk
