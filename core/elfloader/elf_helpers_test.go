package elfloader

import "encoding/binary"

// testSegment describes one program header buildELF should synthesize,
// along with the file content backing it.
type testSegment struct {
	typ     progType
	flags   uint32
	vaddr   uint64
	content []byte
	memSize uint64
	align   uint64
}

// buildELF assembles a minimal, well-formed ELF64 image: a file header, a
// program header table immediately after it, then each segment's file
// content, the whole thing padded up to a page boundary so it can stand in
// for a page-aligned kernel image. Each segment's content is placed at a
// file offset congruent to its vaddr modulo the page size, the same
// invariant a linker guarantees, since the loader maps file frames to
// virtual pages without shifting bytes within a page.
func buildELF(typ elfType, entry uint64, segs []testSegment) []byte {
	const pageSize = 4096

	phOff := uint64(ehdrSize)

	offsets := make([]uint64, len(segs))
	total := alignUpTest(phOff+uint64(len(segs))*phdrSize, 8)
	for i, s := range segs {
		offsets[i] = alignUpTest(total, pageSize) + s.vaddr%pageSize
		total = offsets[i] + uint64(len(s.content))
	}
	total = alignUpTest(total, pageSize)

	buf := make([]byte, total)
	le := binary.LittleEndian

	buf[0], buf[1], buf[2], buf[3] = elfMagic0, elfMagic1, elfMagic2, elfMagic3
	buf[4] = elfClass64
	buf[5] = elfDataLittleEndian
	le.PutUint16(buf[16:18], uint16(typ))
	le.PutUint64(buf[24:32], entry)
	le.PutUint64(buf[32:40], phOff)
	le.PutUint16(buf[54:56], phdrSize)
	le.PutUint16(buf[56:58], uint16(len(segs)))

	for i, s := range segs {
		off := phOff + uint64(i)*phdrSize
		raw := buf[off : off+phdrSize]

		le.PutUint32(raw[0:4], uint32(s.typ))
		le.PutUint32(raw[4:8], s.flags)
		le.PutUint64(raw[8:16], offsets[i])
		le.PutUint64(raw[16:24], s.vaddr)
		le.PutUint64(raw[24:32], s.vaddr)
		le.PutUint64(raw[32:40], uint64(len(s.content)))

		memSize := s.memSize
		if memSize == 0 {
			memSize = uint64(len(s.content))
		}
		le.PutUint64(raw[40:48], memSize)

		align := s.align
		if align == 0 {
			align = 1
		}
		le.PutUint64(raw[48:56], align)

		copy(buf[offsets[i]:], s.content)
	}

	return buf
}

func alignUpTest(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
