package bootinfo

// PixelFormat identifies the channel order of a framebuffer's pixels.
type PixelFormat uint64

const (
	PixelFormatRGB PixelFormat = 0
	PixelFormatBGR PixelFormat = 1
)

// FramebufferInfo describes a framebuffer's geometry and pixel layout.
type FramebufferInfo struct {
	Width         uint64
	Height        uint64
	PixelFormat   PixelFormat
	ByteLen       uint64
	BytesPerPixel uint64
	Stride        uint64
}

// Framebuffer is the physical start address of a firmware-provided
// framebuffer together with its geometry.
type Framebuffer struct {
	StartAddress uint64
	Info         FramebufferInfo
}
