package patcher

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"

	"pestamp/pkg/msf"
	"pestamp/pkg/patch"
	"pestamp/pkg/pdb"
	"pestamp/pkg/pe"
)

// The synthetic image used throughout: DOS header at 0, NT headers at
// 64, one .rdata section at file offset 512 / RVA 0x1000 holding the
// export, resource, and debug directories plus the CodeView record.
const (
	ntOff         = 64
	fileHeaderOff = 68
	optionalOff   = 88
	sectionRaw    = 512
	sectionRva    = 0x1000
	exportOff     = 512
	resourceOff   = 560
	debugOff      = 592
	cvOff         = 768
	imageSize     = 1024
)

func le16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func le32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func rd32(b []byte, off int) uint32    { return binary.LittleEndian.Uint32(b[off:]) }

type debugSpec struct {
	timestamp uint32
	debugType uint32
}

type imageSpec struct {
	plus     bool
	export   bool
	resource bool
	debug    []debugSpec
	guid     [16]byte
	age      uint32
}

func buildImage(spec imageSpec) []byte {
	buf := make([]byte, imageSize)

	copy(buf[0:2], "MZ")
	le32(buf, 0x3C, ntOff)
	copy(buf[ntOff:], "PE\x00\x00")

	optionalSize := 96 + 128
	machine := uint16(0x14C)
	magic := uint16(pe.IMAGE_NT_OPTIONAL_HDR32_MAGIC)
	if spec.plus {
		optionalSize = 112 + 128
		machine = 0x8664
		magic = pe.IMAGE_NT_OPTIONAL_HDR64_MAGIC
	}

	le16(buf, fileHeaderOff, machine)
	le16(buf, fileHeaderOff+2, 1)
	le32(buf, fileHeaderOff+4, 0x5F000001) // link-time stamp
	le16(buf, fileHeaderOff+16, uint16(optionalSize))
	le16(buf, fileHeaderOff+18, 0x2102)

	le16(buf, optionalOff, magic)
	le32(buf, optionalOff+64, 0x0001F00D) // CheckSum
	numRvaOff := optionalOff + 92
	ddOff := optionalOff + 96
	if spec.plus {
		numRvaOff = optionalOff + 108
		ddOff = optionalOff + 112
	}
	le32(buf, numRvaOff, 16)

	if spec.export {
		le32(buf, ddOff+8*pe.IMAGE_DIRECTORY_ENTRY_EXPORT, sectionRva)
		le32(buf, ddOff+8*pe.IMAGE_DIRECTORY_ENTRY_EXPORT+4, 0x28)
		le32(buf, exportOff+4, 0x5F000002)
	}
	if spec.resource {
		le32(buf, ddOff+8*pe.IMAGE_DIRECTORY_ENTRY_RESOURCE, sectionRva+0x30)
		le32(buf, ddOff+8*pe.IMAGE_DIRECTORY_ENTRY_RESOURCE+4, 0x10)
		le32(buf, resourceOff+4, 0x5F000003)
	}
	if len(spec.debug) > 0 {
		le32(buf, ddOff+8*pe.IMAGE_DIRECTORY_ENTRY_DEBUG, sectionRva+0x50)
		le32(buf, ddOff+8*pe.IMAGE_DIRECTORY_ENTRY_DEBUG+4, uint32(len(spec.debug))*pe.IMAGE_SIZEOF_DEBUG_DIRECTORY)
		for i, d := range spec.debug {
			off := debugOff + i*pe.IMAGE_SIZEOF_DEBUG_DIRECTORY
			le32(buf, off+4, d.timestamp)
			le32(buf, off+12, d.debugType)
			if d.debugType == pe.IMAGE_DEBUG_TYPE_CODEVIEW {
				le32(buf, off+16, 24+8)
				le32(buf, off+20, cvOff-sectionRaw+sectionRva)
				le32(buf, off+24, cvOff)
			}
		}
	}

	copy(buf[cvOff:], "RSDS")
	copy(buf[cvOff+4:], spec.guid[:])
	le32(buf, cvOff+20, spec.age)
	copy(buf[cvOff+24:], "mod.pdb\x00")

	sectionOff := optionalOff + optionalSize
	copy(buf[sectionOff:], ".rdata")
	le32(buf, sectionOff+8, 0x200)
	le32(buf, sectionOff+12, sectionRva)
	le32(buf, sectionOff+16, 0x200)
	le32(buf, sectionOff+20, sectionRaw)

	return buf
}

func linkGUID() [16]byte {
	var g [16]byte
	for i := range g {
		g[i] = byte(0x80 + 3*i)
	}
	return g
}

func writeImage(t *testing.T, dir string, spec imageSpec) string {
	t.Helper()
	path := filepath.Join(dir, "mod.dll")
	assert.NilError(t, os.WriteFile(path, buildImage(spec), 0644))
	return path
}

func writePdb(t *testing.T, dir string, guid [16]byte, age uint32) string {
	t.Helper()
	w, err := msf.NewWriter(512)
	assert.NilError(t, err)

	header := make([]byte, 28)
	le32(header, 0, pdb.VersionVC70)
	le32(header, 4, 0x5F000004)
	le32(header, 8, age)
	copy(header[12:], guid[:])
	header = append(header, 0xAB, 0xCD) // named-stream tail

	w.SetStream(msf.StreamOldDirectory, []byte("stale directory shadow"))
	w.SetStream(msf.StreamPDBInfo, header)
	w.SetStream(msf.StreamTPI, bytes.Repeat([]byte{0x77}, 600))

	path := filepath.Join(dir, "mod.pdb")
	f, err := os.Create(path)
	assert.NilError(t, err)
	_, err = w.WriteTo(f)
	assert.NilError(t, err)
	assert.NilError(t, f.Close())
	return path
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	return data
}

// enumeratePatches rebuilds the driver's patch set against a buffer,
// used to verify the committed signature is a fixed point.
func enumeratePatches(t *testing.T, data []byte) *patch.Set {
	t.Helper()
	view, err := pe.NewView(data)
	assert.NilError(t, err)

	set := patch.NewSet(data)
	set.Add(int64(view.TimeDateStampOffset()), view.Timestamp[:], "ts")
	set.Add(int64(view.CheckSumOffset()), view.Timestamp[:], "cksum")
	assert.NilError(t, addDataDirPatch(view, set, pe.IMAGE_DIRECTORY_ENTRY_EXPORT, "export"))
	assert.NilError(t, addDataDirPatch(view, set, pe.IMAGE_DIRECTORY_ENTRY_RESOURCE, "resource"))
	_, err = addDebugPatches(view, set)
	assert.NilError(t, err)
	set.Sort()
	return set
}

func fullSpec() imageSpec {
	return imageSpec{
		export:   true,
		resource: true,
		debug: []debugSpec{
			{timestamp: 0x5F000005, debugType: pe.IMAGE_DEBUG_TYPE_CODEVIEW},
		},
		guid: linkGUID(),
		age:  3,
	}
}

func TestPatchImageWithPdb(t *testing.T) {
	dir := t.TempDir()
	imagePath := writeImage(t, dir, fullSpec())
	pdbPath := writePdb(t, dir, linkGUID(), 3)

	assert.NilError(t, PatchImage(imagePath, pdbPath, false))

	data := readFile(t, imagePath)
	assert.Equal(t, rd32(data, fileHeaderOff+4), pe.ReproducibleTimeStamp)
	assert.Equal(t, rd32(data, optionalOff+64), pe.ReproducibleTimeStamp)
	assert.Equal(t, rd32(data, exportOff+4), pe.ReproducibleTimeStamp)
	assert.Equal(t, rd32(data, resourceOff+4), pe.ReproducibleTimeStamp)
	assert.Equal(t, rd32(data, debugOff+4), pe.ReproducibleTimeStamp)
	assert.Equal(t, rd32(data, cvOff+20), pe.ReproducibleAge)

	var sig [16]byte
	copy(sig[:], data[cvOff+4:cvOff+20])
	assert.Assert(t, sig != linkGUID())

	// The committed signature is a fixed point: hashing the patched
	// file while skipping the same ranges reproduces it.
	set := enumeratePatches(t, data)
	assert.Equal(t, patch.SkipChecksum(data, set.Patches()), sig)

	// And the PDB carries the same identity.
	f, err := msf.Open(pdbPath)
	assert.NilError(t, err)
	defer f.Close()
	header, err := f.ReadStream(msf.StreamPDBInfo)
	assert.NilError(t, err)
	assert.Equal(t, rd32(header, 4), pe.ReproducibleTimeStamp)
	assert.Equal(t, rd32(header, 8), pe.ReproducibleAge)
	assert.DeepEqual(t, header[12:28], sig[:])
	assert.DeepEqual(t, header[28:], []byte{0xAB, 0xCD})
	assert.Equal(t, f.StreamSize(msf.StreamOldDirectory), uint32(0))
}

func TestPatchImagePE32PlusNoPdb(t *testing.T) {
	dir := t.TempDir()
	spec := imageSpec{plus: true, export: true}
	imagePath := writeImage(t, dir, spec)

	assert.NilError(t, PatchImage(imagePath, "", false))

	data := readFile(t, imagePath)
	assert.Equal(t, rd32(data, fileHeaderOff+4), pe.ReproducibleTimeStamp)
	assert.Equal(t, rd32(data, optionalOff+64), pe.ReproducibleTimeStamp)
	assert.Equal(t, rd32(data, exportOff+4), pe.ReproducibleTimeStamp)
}

func TestPatchImageIdempotent(t *testing.T) {
	for _, plus := range []bool{false, true} {
		spec := fullSpec()
		spec.plus = plus

		dir := t.TempDir()
		imagePath := writeImage(t, dir, spec)
		pdbPath := writePdb(t, dir, linkGUID(), 3)

		assert.NilError(t, PatchImage(imagePath, pdbPath, false))
		imageOnce := readFile(t, imagePath)
		pdbOnce := readFile(t, pdbPath)

		assert.NilError(t, PatchImage(imagePath, pdbPath, false))
		assert.Assert(t, bytes.Equal(readFile(t, imagePath), imageOnce), "PE changed on second run (plus=%v)", plus)
		assert.Assert(t, bytes.Equal(readFile(t, pdbPath), pdbOnce), "PDB changed on second run (plus=%v)", plus)
	}
}

func TestPatchImageDeterministic(t *testing.T) {
	spec := fullSpec()

	dirA := t.TempDir()
	imageA := writeImage(t, dirA, spec)
	pdbA := writePdb(t, dirA, linkGUID(), 3)
	dirB := t.TempDir()
	imageB := writeImage(t, dirB, spec)
	pdbB := writePdb(t, dirB, linkGUID(), 3)

	assert.NilError(t, PatchImage(imageA, pdbA, false))
	assert.NilError(t, PatchImage(imageB, pdbB, false))

	assert.Assert(t, bytes.Equal(readFile(t, imageA), readFile(t, imageB)))
	assert.Assert(t, bytes.Equal(readFile(t, pdbA), readFile(t, pdbB)))
}

func TestPatchImageMultipleCodeViewEntries(t *testing.T) {
	spec := fullSpec()
	spec.debug = append(spec.debug, debugSpec{timestamp: 0x5F000006, debugType: pe.IMAGE_DEBUG_TYPE_CODEVIEW})

	dir := t.TempDir()
	imagePath := writeImage(t, dir, spec)
	before := readFile(t, imagePath)

	err := PatchImage(imagePath, "", false)
	assert.ErrorContains(t, err, "found multiple CodeView debug entries")
	assert.Assert(t, bytes.Equal(readFile(t, imagePath), before))
}

func TestPatchImageMismatchedPdb(t *testing.T) {
	dir := t.TempDir()
	imagePath := writeImage(t, dir, fullSpec())
	pdbPath := writePdb(t, dir, linkGUID(), 9) // wrong age

	imageBefore := readFile(t, imagePath)
	pdbBefore := readFile(t, pdbPath)

	err := PatchImage(imagePath, pdbPath, false)
	assert.ErrorContains(t, err, "PE and PDB signatures do not match")
	_, ok := err.(*pdb.InvalidPdbError)
	assert.Assert(t, ok, "want *InvalidPdbError, got %T", err)

	assert.Assert(t, bytes.Equal(readFile(t, imagePath), imageBefore))
	assert.Assert(t, bytes.Equal(readFile(t, pdbPath), pdbBefore))
}

func TestPatchImageDryRun(t *testing.T) {
	dir := t.TempDir()
	imagePath := writeImage(t, dir, fullSpec())
	pdbPath := writePdb(t, dir, linkGUID(), 3)

	imageBefore := readFile(t, imagePath)
	pdbBefore := readFile(t, pdbPath)

	assert.NilError(t, PatchImage(imagePath, pdbPath, true))

	assert.Assert(t, bytes.Equal(readFile(t, imagePath), imageBefore))
	assert.Assert(t, bytes.Equal(readFile(t, pdbPath), pdbBefore))
	_, err := os.Stat(pdbPath + ".tmp")
	assert.Assert(t, os.IsNotExist(err))
}

func TestPatchImagePreservesZeroDebugTimestamp(t *testing.T) {
	spec := fullSpec()
	// A second entry with a deliberately absent stamp, e.g. a coffgrp
	// payload; it must stay zero.
	spec.debug = append(spec.debug, debugSpec{timestamp: 0, debugType: pe.IMAGE_DEBUG_TYPE_COFF})

	dir := t.TempDir()
	imagePath := writeImage(t, dir, spec)

	assert.NilError(t, PatchImage(imagePath, "", false))

	data := readFile(t, imagePath)
	assert.Equal(t, rd32(data, debugOff+4), pe.ReproducibleTimeStamp)
	second := debugOff + pe.IMAGE_SIZEOF_DEBUG_DIRECTORY
	assert.Equal(t, rd32(data, second+4), uint32(0))
}

func TestPatchImageRejectsNonPdb70Record(t *testing.T) {
	dir := t.TempDir()
	imagePath := writeImage(t, dir, fullSpec())
	data := readFile(t, imagePath)
	copy(data[cvOff:], "NB10")
	assert.NilError(t, os.WriteFile(imagePath, data, 0644))

	err := PatchImage(imagePath, "", false)
	assert.ErrorContains(t, err, "unsupported PDB format")
}
