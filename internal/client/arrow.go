package client

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-stride/internal/image"
	"github.com/23skdu/longbow-stride/internal/status"
)

// ImageSchema is the record layout for images travelling over Arrow IPC and
// Flight. Requests and results share it; hist is only set on calc_hist
// results.
var ImageSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "op", Type: arrow.BinaryTypes.String},
		{Name: "height", Type: arrow.PrimitiveTypes.Int32},
		{Name: "width", Type: arrow.PrimitiveTypes.Int32},
		{Name: "channels", Type: arrow.PrimitiveTypes.Int32},
		{Name: "elem", Type: arrow.BinaryTypes.String},
		{Name: "stride", Type: arrow.PrimitiveTypes.Int32},
		{Name: "pixels", Type: arrow.BinaryTypes.Binary},
		{Name: "hist", Type: arrow.ListOf(arrow.PrimitiveTypes.Uint32), Nullable: true},
	},
	nil,
)

// Image is one row of an image record.
type Image struct {
	Op     string
	Format image.Format
	Height int
	Width  int
	// Stride is the number of elements between row starts in Pixels. Zero
	// means packed rows.
	Stride int
	Pixels []byte
	Hist   []uint32
}

// RowElems is the number of meaningful elements per row.
func (m Image) RowElems() int {
	return m.Width * m.Format.Channels
}

// Packed returns the pixels with rows made contiguous, dropping any row
// padding.
func (m Image) Packed() ([]byte, error) {
	rowElems := m.RowElems()
	if m.Stride == 0 || m.Stride == rowElems {
		return m.Pixels, nil
	}
	if _, err := image.NewFormat(m.Format.Elem, m.Format.Channels); err != nil {
		return nil, err
	}
	size := m.Format.Elem.Size()
	if m.Height <= 0 || m.Width <= 0 || m.Width > math.MaxInt/size/m.Format.Channels || m.Stride < rowElems {
		return nil, fmt.Errorf("image %dx%d: stride %d: %w", m.Height, m.Width, m.Stride, status.ErrInvalidArgument)
	}
	if m.Stride > math.MaxInt/size {
		return nil, fmt.Errorf("image %dx%d: stride %d overflows: %w", m.Height, m.Width, m.Stride, status.ErrInvalidArgument)
	}
	rowBytes, pitch := rowElems*size, m.Stride*size
	// rowBytes <= pitch, so this bounds (Height-1)*pitch + rowBytes.
	if m.Height-1 > (math.MaxInt-rowBytes)/pitch {
		return nil, fmt.Errorf("image %dx%d: stride %d overflows: %w", m.Height, m.Width, m.Stride, status.ErrInvalidArgument)
	}
	if need := (m.Height-1)*pitch + rowBytes; len(m.Pixels) < need {
		return nil, fmt.Errorf("image %dx%d: %d pixel bytes, want %d: %w",
			m.Height, m.Width, len(m.Pixels), need, status.ErrInvalidArgument)
	}

	out := make([]byte, rowBytes*m.Height)
	for y := 0; y < m.Height; y++ {
		copy(out[y*rowBytes:(y+1)*rowBytes], m.Pixels[y*pitch:y*pitch+rowBytes])
	}
	return out, nil
}

// RecordBatchBuilder creates Arrow RecordBatches from images.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts images into a RecordBatch with ImageSchema.
func (b *RecordBatchBuilder) BuildRecordBatch(images []Image) (arrow.RecordBatch, error) {
	if len(images) == 0 {
		return nil, nil
	}

	rb := array.NewRecordBuilder(b.mem, ImageSchema)
	defer rb.Release()

	op := rb.Field(0).(*array.StringBuilder)
	height := rb.Field(1).(*array.Int32Builder)
	width := rb.Field(2).(*array.Int32Builder)
	channels := rb.Field(3).(*array.Int32Builder)
	elem := rb.Field(4).(*array.StringBuilder)
	stride := rb.Field(5).(*array.Int32Builder)
	pixels := rb.Field(6).(*array.BinaryBuilder)
	hist := rb.Field(7).(*array.ListBuilder)
	bins := hist.ValueBuilder().(*array.Uint32Builder)

	for _, m := range images {
		s := m.Stride
		if s == 0 {
			s = m.RowElems()
		}
		op.Append(m.Op)
		height.Append(int32(m.Height))
		width.Append(int32(m.Width))
		channels.Append(int32(m.Format.Channels))
		elem.Append(m.Format.Elem.String())
		stride.Append(int32(s))
		pixels.Append(m.Pixels)
		if m.Hist == nil {
			hist.AppendNull()
		} else {
			hist.Append(true)
			bins.AppendValues(m.Hist, nil)
		}
	}

	return rb.NewRecord(), nil
}

// ReadImages decodes every row of a record with ImageSchema columns.
// Columns are looked up by name.
func ReadImages(rec arrow.RecordBatch) ([]Image, error) {
	col := func(name string) (arrow.Array, error) {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("image record: missing column %q: %w", name, status.ErrInvalidArgument)
		}
		return rec.Column(idx[0]), nil
	}

	var cols [8]arrow.Array
	for i, f := range ImageSchema.Fields() {
		c, err := col(f.Name)
		if err != nil {
			if f.Nullable {
				continue
			}
			return nil, err
		}
		cols[i] = c
	}

	op, ok1 := cols[0].(*array.String)
	height, ok2 := cols[1].(*array.Int32)
	width, ok3 := cols[2].(*array.Int32)
	channels, ok4 := cols[3].(*array.Int32)
	elem, ok5 := cols[4].(*array.String)
	stride, ok6 := cols[5].(*array.Int32)
	pixels, ok7 := cols[6].(*array.Binary)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return nil, fmt.Errorf("image record: unexpected column types: %w", status.ErrInvalidArgument)
	}
	hist, _ := cols[7].(*array.List)

	out := make([]Image, rec.NumRows())
	for i := range out {
		et, err := image.ParseElemType(elem.Value(i))
		if err != nil {
			return nil, err
		}
		f, err := image.NewFormat(et, int(channels.Value(i)))
		if err != nil {
			return nil, err
		}

		px := pixels.Value(i)
		out[i] = Image{
			Op:     op.Value(i),
			Format: f,
			Height: int(height.Value(i)),
			Width:  int(width.Value(i)),
			Stride: int(stride.Value(i)),
			Pixels: append([]byte(nil), px...),
		}

		if hist != nil && hist.IsValid(i) {
			values, ok := hist.ListValues().(*array.Uint32)
			if !ok {
				return nil, fmt.Errorf("image record: hist column is %s, want %s: %w",
					hist.DataType(), ImageSchema.Field(7).Type, status.ErrInvalidArgument)
			}
			start, end := hist.ValueOffsets(i)
			out[i].Hist = append([]uint32{}, values.Uint32Values()[start:end]...)
		}
	}
	return out, nil
}
