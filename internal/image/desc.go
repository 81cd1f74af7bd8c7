package image

import (
	"fmt"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/status"
)

// Desc is a strided 2D view of device memory. Rows are Stride elements
// apart; only the first Width*Channels elements of a row are meaningful.
// Desc values are passed by value and never owned by the pool.
type Desc struct {
	Format
	Height int
	Width  int
	Stride int // elements between the starts of consecutive rows
	Ptr    device.Ptr
}

// RowElems is the number of meaningful elements in a row.
func (d Desc) RowElems() int {
	return d.Width * d.Channels
}

// Packed reports whether rows are contiguous.
func (d Desc) Packed() bool {
	return d.Stride == d.RowElems()
}

// SpanBytes is the number of bytes from the first element to one past the
// last meaningful element.
func (d Desc) SpanBytes() int64 {
	if d.Height <= 0 || d.Width <= 0 {
		return 0
	}
	return (int64(d.Height-1)*int64(d.Stride) + int64(d.RowElems())) * int64(d.Elem.Size())
}

// Valid checks the shape invariants kernels assume but do not verify.
func (d Desc) Valid() error {
	if _, err := NewFormat(d.Elem, d.Channels); err != nil {
		return err
	}
	switch {
	case d.Ptr == 0:
		return fmt.Errorf("image %s: null pointer: %w", d, status.ErrInvalidArgument)
	case d.Height <= 0 || d.Width <= 0:
		return fmt.Errorf("image %s: non-positive dimensions: %w", d, status.ErrInvalidArgument)
	case d.Stride < d.RowElems():
		return fmt.Errorf("image %s: stride %d shorter than row of %d elements: %w",
			d, d.Stride, d.RowElems(), status.ErrInvalidArgument)
	}
	return nil
}

func (d Desc) String() string {
	return fmt.Sprintf("%dx%d %s stride=%d", d.Height, d.Width, d.Format, d.Stride)
}
