package pe

//noinspection GoSnakeCaseUsage
const (
	IMAGE_DOS_SIGNATURE   = 0x5A4D // MZ
	IMAGE_DOSZM_SIGNATURE = 0x4D5A // ZM
	IMAGE_NT_SIGNATURE    = 0x00004550
	IMAGE_NE_SIGNATURE    = 0x454E
	IMAGE_LE_SIGNATURE    = 0x454C
	IMAGE_LX_SIGNATURE    = 0x584C

	IMAGE_NT_OPTIONAL_HDR32_MAGIC = 0x10B
	IMAGE_NT_OPTIONAL_HDR64_MAGIC = 0x20B

	IMAGE_SIZEOF_DOS_HEADER      = 64
	IMAGE_SIZEOF_FILE_HEADER     = 20
	IMAGE_SIZEOF_SHORT_NAME      = 8
	IMAGE_SIZEOF_SECTION_HEADER  = 40
	IMAGE_SIZEOF_DEBUG_DIRECTORY = 28

	IMAGE_NUMBEROF_DIRECTORY_ENTRIES = 16

	IMAGE_DIRECTORY_ENTRY_EXPORT   = 0
	IMAGE_DIRECTORY_ENTRY_IMPORT   = 1
	IMAGE_DIRECTORY_ENTRY_RESOURCE = 2
	IMAGE_DIRECTORY_ENTRY_DEBUG    = 6

	IMAGE_DEBUG_TYPE_UNKNOWN  = 0
	IMAGE_DEBUG_TYPE_COFF     = 1
	IMAGE_DEBUG_TYPE_CODEVIEW = 2

	// CodeView 7.0 signature, "RSDS" in little endian.
	CV_PDB_70_SIGNATURE = 0x53445352
	// CodeView 2.0 signature, "NB10" in little endian.
	CV_PDB_20_SIGNATURE = 0x3031424E
)

// Replacement values deposited by the patcher. The timestamp is
// Mar 2 2010 10:04:55 UTC; zero cannot be used because it has a special
// meaning in several headers, and prior art settled on this value.
const (
	ReproducibleTimeStamp uint32 = 0x4B8CE2C7
	ReproducibleAge       uint32 = 1
)
