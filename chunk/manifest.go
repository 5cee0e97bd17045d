package chunk

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/spacestore/checksum"
)

const manifestSchemaVersion = "1.0"

// ErrInvalidManifest is returned for manifests that cannot describe a
// complete, contiguous chunk set.
var ErrInvalidManifest = errors.New("invalid chunks manifest")

// Manifest describes how the chunks of one logical item reassemble.
type Manifest struct {
	XMLName       xml.Name `xml:"chunksManifest"`
	SchemaVersion string   `xml:"schemaVersion,attr"`
	Header        Header   `xml:"header"`
	Chunks        []Entry  `xml:"chunks>chunk"`
}

// Header holds the properties of the original, unchunked content.
type Header struct {
	ContentID string `xml:"contentId,attr"`
	MimeType  string `xml:"mimetype"`
	ByteSize  int64  `xml:"byteSize"`
	Checksum  string `xml:"checksum"`
	Algorithm string `xml:"checksum-algorithm,attr,omitempty"`
}

// Entry describes a single stored chunk.
type Entry struct {
	ChunkID  string `xml:"chunkId,attr"`
	Index    int    `xml:"index,attr"`
	ByteSize int64  `xml:"byteSize"`
	Checksum string `xml:"checksum"`
}

// NewManifest returns an empty manifest for contentID.
func NewManifest(contentID, mimeType string) *Manifest {
	return &Manifest{
		SchemaVersion: manifestSchemaVersion,
		Header: Header{
			ContentID: contentID,
			MimeType:  mimeType,
		},
	}
}

// Add appends a chunk entry.
func (m *Manifest) Add(e Entry) {
	m.Chunks = append(m.Chunks, e)
}

// Marshal encodes the manifest as an XML document.
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := xml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that chunks are listed in index order without gaps, carry
// the derived chunk ids and add up to the parent size.
func (m *Manifest) Validate() error {
	if m.Header.ContentID == "" {
		return fmt.Errorf("%w: missing content id", ErrInvalidManifest)
	}
	if len(m.Chunks) == 0 {
		return fmt.Errorf("%w: no chunks", ErrInvalidManifest)
	}
	var total int64
	for i, c := range m.Chunks {
		if c.Index != i {
			return fmt.Errorf("%w: chunk %d listed at position %d", ErrInvalidManifest, c.Index, i)
		}
		if c.ChunkID != ChunkID(m.Header.ContentID, i) {
			return fmt.Errorf("%w: unexpected chunk id %q", ErrInvalidManifest, c.ChunkID)
		}
		if c.ByteSize < 0 || c.Checksum == "" {
			return fmt.Errorf("%w: chunk %s lacks size or checksum", ErrInvalidManifest, c.ChunkID)
		}
		total += c.ByteSize
	}
	if total != m.Header.ByteSize {
		return fmt.Errorf("%w: chunk sizes add up to %d, expected %d", ErrInvalidManifest, total, m.Header.ByteSize)
	}
	return nil
}

// algorithm returns the checksum algorithm the manifest was written with.
func (m *Manifest) algorithm() checksum.Algorithm {
	if m.Header.Algorithm == "" {
		return checksum.MD5
	}
	return checksum.Algorithm(m.Header.Algorithm)
}
