package pe

import (
	"encoding/binary"
	"fmt"
)

// GUID has the same structure as golang.org/x/sys/windows.GUID, defined
// here so the package compiles everywhere without pulling in the windows
// syscall surface. The representation matches native Windows code.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// GuidFromWindowsArray constructs a GUID from a Windows (little endian)
// encoding array of bytes, the form a CodeView record and a PDB header
// store it in.
func GuidFromWindowsArray(b [16]byte) GUID {
	var g GUID
	g.Data1 = binary.LittleEndian.Uint32(b[0:4])
	g.Data2 = binary.LittleEndian.Uint16(b[4:6])
	g.Data3 = binary.LittleEndian.Uint16(b[6:8])
	copy(g.Data4[:], b[8:16])
	return g
}

// ToWindowsArray returns the 16-byte Windows encoding of the GUID.
func (g GUID) ToWindowsArray() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], g.Data1)
	binary.LittleEndian.PutUint16(b[4:6], g.Data2)
	binary.LittleEndian.PutUint16(b[6:8], g.Data3)
	copy(b[8:16], g.Data4[:])
	return b
}

// ToString formats the GUID. Format "D" (the default for "") is the
// dashed form; "N" is the bare hex form symbol servers use.
func (g GUID) ToString(format string) (string, error) {
	switch format {
	case "", "D":
		return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
			g.Data1, g.Data2, g.Data3, g.Data4[:2], g.Data4[2:]), nil
	case "N":
		return fmt.Sprintf("%08x%04x%04x%04x%012x",
			g.Data1, g.Data2, g.Data3, g.Data4[:2], g.Data4[2:]), nil
	case "B":
		return fmt.Sprintf("{%08x-%04x-%04x-%04x-%012x}",
			g.Data1, g.Data2, g.Data3, g.Data4[:2], g.Data4[2:]), nil
	}
	return "", fmt.Errorf("invalid GUID format %q", format)
}

func (g GUID) String() string {
	s, _ := g.ToString("")
	return s
}
