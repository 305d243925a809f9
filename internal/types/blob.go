package types

// Blob is an in-memory audio payload with its declared encoding.
type Blob struct {
	Data     []byte
	MimeType string
}

func (b Blob) Size() int64 { return int64(len(b.Data)) }
