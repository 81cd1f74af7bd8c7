// Package image describes strided 2D buffers in device memory: the closed
// set of element types and channel counts, and the Desc view every kernel
// entry point consumes.
package image

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/text/cases"

	"github.com/23skdu/longbow-stride/internal/status"
)

// Pixel is the set of element types kernels are instantiated for.
type Pixel interface {
	~uint8 | ~float32
}

// ElemType tags a Pixel type at runtime.
type ElemType int

const (
	U8 ElemType = iota + 1
	F32
)

// Size returns the element size in bytes.
func (e ElemType) Size() int {
	switch e {
	case U8:
		return 1
	case F32:
		return 4
	default:
		return 0
	}
}

func (e ElemType) String() string {
	switch e {
	case U8:
		return "u8"
	case F32:
		return "f32"
	default:
		return fmt.Sprintf("elem(%d)", int(e))
	}
}

// ElemOf returns the tag of T.
func ElemOf[T Pixel]() ElemType {
	var zero T
	if unsafe.Sizeof(zero) == 1 {
		return U8
	}
	return F32
}

// foldName normalizes a user-supplied name. Casers are stateful, so each
// call gets its own.
func foldName(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// ParseElemType accepts "u8", "uint8", "uchar", "f32", "float32", "float"
// in any case.
func ParseElemType(s string) (ElemType, error) {
	switch foldName(s) {
	case "u8", "uint8", "uchar":
		return U8, nil
	case "f32", "float32", "float":
		return F32, nil
	}
	return 0, fmt.Errorf("element type %q: %w", s, status.ErrUnsupportedConfiguration)
}

// Format is an (element type, channel count) pair from the closed set
// {U8, F32} x {1, 3, 4}.
type Format struct {
	Elem     ElemType
	Channels int
}

// NewFormat rejects combinations outside the closed set.
func NewFormat(elem ElemType, channels int) (Format, error) {
	if elem != U8 && elem != F32 {
		return Format{}, fmt.Errorf("%s: %w", elem, status.ErrUnsupportedConfiguration)
	}
	switch channels {
	case 1, 3, 4:
	default:
		return Format{}, fmt.Errorf("%s with %d channels: %w", elem, channels, status.ErrUnsupportedConfiguration)
	}
	return Format{Elem: elem, Channels: channels}, nil
}

// MustFormat is NewFormat for package-level constants and tests.
func MustFormat(elem ElemType, channels int) Format {
	f, err := NewFormat(elem, channels)
	if err != nil {
		panic(err)
	}
	return f
}

// ParseFormat parses names such as "u8c1" or "F32C4".
func ParseFormat(s string) (Format, error) {
	name := foldName(s)
	i := strings.LastIndexByte(name, 'c')
	if i <= 0 || i == len(name)-1 {
		return Format{}, fmt.Errorf("format %q: %w", s, status.ErrUnsupportedConfiguration)
	}
	elem, err := ParseElemType(name[:i])
	if err != nil {
		return Format{}, err
	}
	var channels int
	if _, err := fmt.Sscanf(name[i+1:], "%d", &channels); err != nil {
		return Format{}, fmt.Errorf("format %q: %w", s, status.ErrUnsupportedConfiguration)
	}
	return NewFormat(elem, channels)
}

// Formats lists every supported format.
func Formats() []Format {
	var out []Format
	for _, e := range []ElemType{U8, F32} {
		for _, c := range []int{1, 3, 4} {
			out = append(out, Format{Elem: e, Channels: c})
		}
	}
	return out
}

func (f Format) String() string {
	return fmt.Sprintf("%sc%d", f.Elem, f.Channels)
}

// PixelBytes is the size of one pixel (all channels).
func (f Format) PixelBytes() int {
	return f.Elem.Size() * f.Channels
}

// Bytes reinterprets a slice of pixels as raw bytes.
func Bytes[T Pixel](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

// As reinterprets raw bytes as pixels of type T. len(b) must be a multiple
// of the element size and b must be suitably aligned.
func As[T Pixel](b []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(b) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/size)
}
