package device

// Ptr is an address in a backend's device memory space. The zero value is
// the null pointer.
type Ptr uint64

// Add returns p advanced by off bytes.
func (p Ptr) Add(off int64) Ptr {
	return p + Ptr(off)
}

// Backend creates buffers and manages device memory.
type Backend interface {
	Name() string

	// Alignment is the byte alignment of every allocation and of the row
	// pitch returned by MallocPitch.
	Alignment() int

	// Malloc reserves size bytes of device memory.
	// Fails with status.ErrResourceExhausted when the device is full.
	Malloc(size int64) (Ptr, error)

	// MallocPitch reserves height rows of at least widthBytes each and
	// returns the row pitch in bytes chosen for aligned memory transactions.
	MallocPitch(widthBytes, height int) (Ptr, int, error)

	// Free releases an allocation made by Malloc or MallocPitch.
	Free(p Ptr) error

	// CopyToDevice copies host bytes into device memory starting at dst.
	CopyToDevice(dst Ptr, src []byte) error

	// CopyToHost copies len(dst) bytes of device memory starting at src.
	CopyToHost(dst []byte, src Ptr) error

	// Memset fills n bytes starting at p with v.
	Memset(p Ptr, v byte, n int64) error

	// View exposes n bytes of device memory starting at p to code executing
	// on the device (kernel tasks running on a Stream).
	View(p Ptr, n int64) ([]byte, error)

	// NewStream creates an execution queue on this device.
	NewStream() *Stream

	// GetVRAMUsage reports (allocated, total) device bytes.
	GetVRAMUsage() (int64, int64)
}
