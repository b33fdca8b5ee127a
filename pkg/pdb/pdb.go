// Package pdb rewrites the identity of a PDB file so it stays bound to
// a PE image whose CodeView signature is being replaced. The container
// plumbing lives in pkg/msf; this package only understands the header
// stream and the rewrite sequence around it.
package pdb

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"pestamp/pkg/msf"
	"pestamp/pkg/pe"
)

// Header stream versions.
const (
	VersionVC70  = 20000404
	VersionVC80  = 20030901
	VersionVC110 = 20091201
	VersionVC140 = 20140508
)

// StreamHeader is the fixed prefix of the PDB info stream (stream 1).
// Signature is the creation timestamp; GUID and Age bind the PDB to its
// PE. The named-stream table that follows is carried through untouched.
type StreamHeader struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      [16]byte
}

var sizeofStreamHeader = binary.Size(StreamHeader{})

// Rewrite rebuilds the PDB with a deterministic identity: the header
// stream's timestamp, age, and GUID are set to the values the PE will
// carry after its own patches commit, and the old stream-directory
// stream is emptied. The result is written to a sibling "<path>.tmp"
// and renamed over the original, or deleted in dry-run mode.
//
// info is the PE's CodeView record as currently on disk; its age and
// signature must match the PDB header or nothing is rewritten.
func Rewrite(pdbPath string, info *pe.CodeViewInfo, guid [16]byte, dryRun bool) error {
	src, err := msf.Open(pdbPath)
	if err != nil {
		return errors.Wrap(err, "failed to open PDB file")
	}

	tmpPath := pdbPath + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		src.Close()
		return errors.Wrap(err, "failed to open temporary PDB file")
	}

	fail := func(e error) error {
		tmp.Close()
		os.Remove(tmpPath)
		src.Close()
		return e
	}

	// Pull the whole stream table into memory up front; everything
	// after this works on the copy.
	w, err := msf.NewWriter(src.BlockSize())
	if err != nil {
		return fail(err)
	}
	numStreams := src.NumStreams()
	for i := uint32(0); i < numStreams; i++ {
		if src.StreamIsNil(i) {
			w.SetNilStream(int(i))
			continue
		}
		data, err := src.ReadStream(i)
		if err != nil {
			return fail(errors.Wrapf(err, "failed to read PDB stream %d", i))
		}
		w.SetStream(int(i), data)
	}

	// Drop the stale directory shadow kept for pre-7.0 tooling.
	w.SetStream(msf.StreamOldDirectory, nil)

	if numStreams <= msf.StreamPDBInfo || src.StreamIsNil(msf.StreamPDBInfo) {
		return fail(invalidPdb("missing PDB header stream"))
	}
	headerData, err := src.ReadStream(msf.StreamPDBInfo)
	if err != nil {
		return fail(errors.Wrap(err, "failed to read PDB header stream"))
	}
	if len(headerData) < sizeofStreamHeader {
		return fail(invalidPdb("missing PDB 7.0 header"))
	}

	var header StreamHeader
	if err := binary.Read(bytes.NewReader(headerData), binary.LittleEndian, &header); err != nil {
		return fail(errors.Wrap(err, "failed to parse PDB header"))
	}
	if header.Version < VersionVC70 {
		return fail(invalidPdb("unsupported PDB implementation version"))
	}

	// The caller must have handed us the PDB this PE was linked against.
	if info == nil || info.Age != header.Age || info.Signature != header.GUID {
		return fail(invalidPdb("PE and PDB signatures do not match"))
	}

	logrus.Infof("PDB timestamp: %d", header.Signature)
	logrus.Infof("PDB age: %d", header.Age)
	logrus.Debugf("PDB signature: %s -> %s",
		pe.GuidFromWindowsArray(header.GUID), pe.GuidFromWindowsArray(guid))

	binary.LittleEndian.PutUint32(headerData[4:], pe.ReproducibleTimeStamp)
	binary.LittleEndian.PutUint32(headerData[8:], pe.ReproducibleAge)
	copy(headerData[12:12+16], guid[:])
	w.SetStream(msf.StreamPDBInfo, headerData)

	if _, err := w.WriteTo(tmp); err != nil {
		return fail(errors.Wrap(err, "failed to write temporary PDB"))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		src.Close()
		return errors.Wrap(err, "failed to close temporary PDB")
	}
	src.Close()

	if dryRun {
		if err := os.Remove(tmpPath); err != nil {
			return errors.Wrap(err, "failed to delete temporary PDB")
		}
		return nil
	}
	if err := os.Rename(tmpPath, pdbPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to rename temporary PDB")
	}
	return nil
}
