package envelope

import (
	"fmt"
	"strings"
)

// Kind tags the payload variant carried in the data field.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// Valid reports whether k is one of the known payload kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem:
		return true
	}
	return false
}

// Payload is the tagged data variant of an envelope. Data returns the exact
// string placed on the wire.
type Payload interface {
	Kind() Kind
	Data() string
}

// Text is a plain chat line.
type Text struct{ Body string }

// Image carries a serialized image, usually a data URL or an upload URL.
type Image struct{ Source string }

// File references an uploaded attachment.
type File struct{ Ref string }

// System is a server-authored notice.
type System struct{ Notice string }

func (Text) Kind() Kind     { return KindText }
func (t Text) Data() string { return t.Body }

func (Image) Kind() Kind     { return KindImage }
func (i Image) Data() string { return i.Source }

// IsDataURL reports whether the image is inlined rather than referenced.
func (i Image) IsDataURL() bool { return strings.HasPrefix(i.Source, "data:image/") }

func (File) Kind() Kind     { return KindFile }
func (f File) Data() string { return f.Ref }

func (System) Kind() Kind     { return KindSystem }
func (s System) Data() string { return s.Notice }

// NewPayload builds the variant for kind around the raw data string.
func NewPayload(kind Kind, data string) (Payload, error) {
	switch kind {
	case KindText:
		return Text{Body: data}, nil
	case KindImage:
		return Image{Source: data}, nil
	case KindFile:
		return File{Ref: data}, nil
	case KindSystem:
		return System{Notice: data}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidEnvelope, kind)
	}
}
