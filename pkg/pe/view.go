package pe

import (
	"bytes"
	"encoding/binary"
)

// Variant selects between the two optional header layouts.
type Variant int

const (
	PE32 Variant = iota
	PE32Plus
)

func (v Variant) String() string {
	if v == PE32Plus {
		return "PE32+"
	}
	return "PE32"
}

// optionalLayout holds the per-variant field offsets, relative to the
// start of the optional header. The two layouts differ in the width of
// ImageBase (PE32 also carries BaseOfData) and of the stack and heap
// sizes, but CheckSum sits at the same offset in both, so only the fixed
// size and the data directory offset vary; keeping them as data means
// exactly one code path consumes them.
type optionalLayout struct {
	size     int // fixed header size, without the data directories
	checkSum int
	dataDirs int
}

var (
	pe32Layout     = optionalLayout{size: 96, checkSum: 64, dataDirs: 96}
	pe32PlusLayout = optionalLayout{size: 112, checkSum: 64, dataDirs: 112}
)

var (
	sizeofOptionalHeader32 = binary.Size(ImageOptionalHeader32{})
	sizeofOptionalHeader64 = binary.Size(ImageOptionalHeader64{})
	sizeofCvInfoPdb70      = binary.Size(CvInfoPdb70{})
)

// View is an immutable, validated view over a mapped PE image. It never
// reads past the end of the buffer; every typed access below goes
// through a bounds check first.
//
// The view also owns the deterministic replacement values the patcher
// deposits. Patch sources are slices into these fields, so they must
// stay alive for as long as any patch set referencing them; in
// particular PdbSignature starts zeroed and is filled in only after the
// skip checksum is known.
type View struct {
	data []byte

	DosHeader  ImageDosHeader
	FileHeader ImageFileHeader
	Variant    Variant
	Opt32      ImageOptionalHeader32 // valid when Variant == PE32
	Opt64      ImageOptionalHeader64 // valid when Variant == PE32Plus
	DataDirs   []ImageDataDirectory
	Sections   []ImageSectionHeader

	ntHeadersOff  int
	fileHeaderOff int
	optionalOff   int
	sectionOff    int
	layout        optionalLayout

	Timestamp    [4]byte
	PdbSignature [16]byte
	PdbAge       [4]byte
}

// NewView parses and validates the PE structure of the given buffer.
// All validation failures are reported as *InvalidImageError.
func NewView(data []byte) (*View, error) {
	v := &View{data: data}

	binary.LittleEndian.PutUint32(v.Timestamp[:], ReproducibleTimeStamp)
	binary.LittleEndian.PutUint32(v.PdbAge[:], ReproducibleAge)

	if err := v.parseInterface(&v.DosHeader, 0, IMAGE_SIZEOF_DOS_HEADER); err != nil {
		return nil, invalidImage("missing DOS header")
	}
	if v.DosHeader.E_magic == IMAGE_DOSZM_SIGNATURE {
		return nil, invalidImage("probably a ZM executable (not a PE file)")
	}
	if v.DosHeader.E_magic != IMAGE_DOS_SIGNATURE {
		return nil, invalidImage("DOS header magic not found")
	}

	v.ntHeadersOff = int(v.DosHeader.E_lfanew)
	v.fileHeaderOff = v.ntHeadersOff + 4
	if !v.IsValidRange(v.ntHeadersOff, 4+IMAGE_SIZEOF_FILE_HEADER) {
		return nil, invalidImage("invalid e_lfanew value, probably not a PE file")
	}

	var ntSignature uint32
	if err := v.parseInterface(&ntSignature, v.ntHeadersOff, 4); err != nil {
		return nil, err
	}
	switch {
	case ntSignature&0xFFFF == IMAGE_NE_SIGNATURE:
		return nil, invalidImage("invalid NT headers signature (probably a NE file)")
	case ntSignature&0xFFFF == IMAGE_LE_SIGNATURE:
		return nil, invalidImage("invalid NT headers signature (probably a LE file)")
	case ntSignature&0xFFFF == IMAGE_LX_SIGNATURE:
		return nil, invalidImage("invalid NT headers signature (probably a LX file)")
	case ntSignature != IMAGE_NT_SIGNATURE:
		return nil, invalidImage("invalid NT headers signature")
	}

	if err := v.parseInterface(&v.FileHeader, v.fileHeaderOff, IMAGE_SIZEOF_FILE_HEADER); err != nil {
		return nil, err
	}

	v.optionalOff = v.fileHeaderOff + IMAGE_SIZEOF_FILE_HEADER
	optionalSize := int(v.FileHeader.SizeOfOptionalHeader)
	if optionalSize < 2 || !v.IsValidRange(v.optionalOff, optionalSize) {
		return nil, invalidImage("optional header does not fit in the file")
	}

	var magic uint16
	if err := v.parseInterface(&magic, v.optionalOff, 2); err != nil {
		return nil, err
	}
	switch magic {
	case IMAGE_NT_OPTIONAL_HDR32_MAGIC:
		v.Variant = PE32
		v.layout = pe32Layout
		if optionalSize < sizeofOptionalHeader32 {
			return nil, invalidImage("truncated PE32 optional header")
		}
		if err := v.parseInterface(&v.Opt32, v.optionalOff, sizeofOptionalHeader32); err != nil {
			return nil, err
		}
	case IMAGE_NT_OPTIONAL_HDR64_MAGIC:
		v.Variant = PE32Plus
		v.layout = pe32PlusLayout
		if optionalSize < sizeofOptionalHeader64 {
			return nil, invalidImage("truncated PE32+ optional header")
		}
		if err := v.parseInterface(&v.Opt64, v.optionalOff, sizeofOptionalHeader64); err != nil {
			return nil, err
		}
	default:
		return nil, invalidImage("unsupported IMAGE_NT_HEADERS.OptionalHeader")
	}

	if err := v.parseDataDirs(); err != nil {
		return nil, err
	}

	v.sectionOff = v.optionalOff + optionalSize
	numSections := int(v.FileHeader.NumberOfSections)
	if !v.IsValidRange(v.sectionOff, numSections*IMAGE_SIZEOF_SECTION_HEADER) {
		return nil, invalidImage("section table does not fit in the file")
	}
	v.Sections = make([]ImageSectionHeader, numSections)
	for i := 0; i < numSections; i++ {
		off := v.sectionOff + i*IMAGE_SIZEOF_SECTION_HEADER
		if err := v.parseInterface(&v.Sections[i], off, IMAGE_SIZEOF_SECTION_HEADER); err != nil {
			return nil, err
		}
	}

	return v, nil
}

func (v *View) parseDataDirs() error {
	var numRvaAndSizes uint32
	if v.Variant == PE32Plus {
		numRvaAndSizes = v.Opt64.NumberOfRvaAndSizes
	} else {
		numRvaAndSizes = v.Opt32.NumberOfRvaAndSizes
	}
	if numRvaAndSizes > IMAGE_NUMBEROF_DIRECTORY_ENTRIES {
		numRvaAndSizes = IMAGE_NUMBEROF_DIRECTORY_ENTRIES
	}

	dirOff := v.optionalOff + v.layout.dataDirs
	dirBytes := int(numRvaAndSizes) * 8
	if dirBytes > int(v.FileHeader.SizeOfOptionalHeader)-v.layout.size ||
		!v.IsValidRange(dirOff, dirBytes) {
		return invalidImage("data directory table does not fit in the optional header")
	}

	v.DataDirs = make([]ImageDataDirectory, numRvaAndSizes)
	for i := range v.DataDirs {
		if err := v.parseInterface(&v.DataDirs[i], dirOff+i*8, 8); err != nil {
			return err
		}
	}
	return nil
}

// Length returns the size of the underlying buffer.
func (v *View) Length() int {
	return len(v.data)
}

// IsValidRange reports whether [offset, offset+size) lies entirely
// inside the buffer.
func (v *View) IsValidRange(offset, size int) bool {
	return offset >= 0 && size >= 0 && offset <= len(v.data) && size <= len(v.data)-offset
}

func (v *View) parseInterface(iface interface{}, offset, size int) error {
	if !v.IsValidRange(offset, size) {
		return invalidImage("read of %d bytes at offset 0x%x is out of bounds", size, offset)
	}
	return binary.Read(bytes.NewReader(v.data[offset:offset+size]), binary.LittleEndian, iface)
}

// TimeDateStampOffset is the file offset of IMAGE_FILE_HEADER.TimeDateStamp.
func (v *View) TimeDateStampOffset() int {
	return v.fileHeaderOff + 4
}

// CheckSumOffset is the file offset of the optional header CheckSum field.
func (v *View) CheckSumOffset() int {
	return v.optionalOff + v.layout.checkSum
}

// offsetFromRva translates an RVA to a file offset through the section
// table. The second return is false when no section's on-disk extent
// covers the address.
func (v *View) offsetFromRva(rva uint32) (int, bool) {
	for i := range v.Sections {
		s := &v.Sections[i]
		if s.SizeOfRawData == 0 {
			continue
		}
		if rva >= s.VirtualAddress && rva-s.VirtualAddress < s.SizeOfRawData {
			return int(rva - s.VirtualAddress + s.PointerToRawData), true
		}
	}
	return 0, false
}

// DataDir resolves a data directory entry to its on-disk location.
// found is false when the entry is absent or empty; err is non-nil when
// the entry exists but cannot be located inside the file.
func (v *View) DataDir(index int) (offset int, size uint32, found bool, err error) {
	if index < 0 || index >= len(v.DataDirs) {
		return 0, 0, false, nil
	}
	dir := v.DataDirs[index]
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return 0, 0, false, nil
	}
	off, ok := v.offsetFromRva(dir.VirtualAddress)
	if !ok {
		return 0, 0, false, invalidImage("data directory %d RVA 0x%x lies outside all sections", index, dir.VirtualAddress)
	}
	if !v.IsValidRange(off, int(dir.Size)) {
		return 0, 0, false, invalidImage("data directory %d exceeds the file bounds", index)
	}
	return off, dir.Size, true, nil
}

// DebugEntry is one record of the debug directory array, together with
// its location in the file.
type DebugEntry struct {
	ImageDebugDirectory
	fileOffset int
}

// TimeDateStampOffset is the file offset of this entry's TimeDateStamp.
func (e *DebugEntry) TimeDateStampOffset() int {
	return e.fileOffset + 4
}

// DebugEntries returns the debug directory array, or nil when the image
// carries no debug directory.
func (v *View) DebugEntries() ([]DebugEntry, error) {
	off, size, found, err := v.DataDir(IMAGE_DIRECTORY_ENTRY_DEBUG)
	if err != nil || !found {
		return nil, err
	}
	if size%IMAGE_SIZEOF_DEBUG_DIRECTORY != 0 {
		return nil, invalidImage("debug directory size 0x%x is not a multiple of the entry size", size)
	}

	entries := make([]DebugEntry, size/IMAGE_SIZEOF_DEBUG_DIRECTORY)
	for i := range entries {
		entryOff := off + i*IMAGE_SIZEOF_DEBUG_DIRECTORY
		if err := v.parseInterface(&entries[i].ImageDebugDirectory, entryOff, IMAGE_SIZEOF_DEBUG_DIRECTORY); err != nil {
			return nil, err
		}
		entries[i].fileOffset = entryOff
	}
	return entries, nil
}

// CodeViewInfo is a decoded CV_INFO_PDB70 record and its location.
type CodeViewInfo struct {
	CvInfoPdb70
	PdbFileName string
	fileOffset  int
}

// SignatureOffset is the file offset of the 16-byte GUID.
func (c *CodeViewInfo) SignatureOffset() int {
	return c.fileOffset + 4
}

// AgeOffset is the file offset of the Age field.
func (c *CodeViewInfo) AgeOffset() int {
	return c.fileOffset + 20
}

// GUID returns the record's signature in its Windows representation.
func (c *CodeViewInfo) GUID() GUID {
	return GuidFromWindowsArray(c.Signature)
}

// CodeViewAt decodes the raw data referenced by a CODEVIEW debug entry.
// The entry's payload must lie inside the file and be large enough for
// the fixed CV_INFO_PDB70 layout.
func (v *View) CodeViewAt(entry *DebugEntry) (*CodeViewInfo, error) {
	off := int(entry.PointerToRawData)
	size := int(entry.SizeOfData)
	if size < sizeofCvInfoPdb70 || !v.IsValidRange(off, size) {
		return nil, invalidImage("invalid CodeView debug entry location")
	}

	info := &CodeViewInfo{fileOffset: off}
	if err := v.parseInterface(&info.CvInfoPdb70, off, sizeofCvInfoPdb70); err != nil {
		return nil, err
	}

	name := v.data[off+sizeofCvInfoPdb70 : off+size]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	info.PdbFileName = string(name)

	return info, nil
}
