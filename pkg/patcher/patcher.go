// Package patcher drives the whole rewrite: it walks a PE image for
// every non-deterministic field, prepares the patches, derives the
// deterministic signature, rewrites the paired PDB, and only then
// commits anything to disk.
package patcher

import (
	"github.com/sirupsen/logrus"

	"pestamp/pkg/memmap"
	"pestamp/pkg/patch"
	"pestamp/pkg/pdb"
	"pestamp/pkg/pe"
)

// PatchImage makes the image at imagePath reproducible, and the PDB at
// pdbPath with it when the path is non-empty. In dry-run mode every
// intended patch is logged and both files are left untouched.
//
// Nothing is persisted until all parsing has succeeded: the PDB is
// rewritten first, then the PE patches commit into the private mapping,
// and the mapping is saved last.
func PatchImage(imagePath, pdbPath string, dryRun bool) error {
	img, err := memmap.Open(imagePath)
	if err != nil {
		return err
	}
	defer img.Close()

	view, err := pe.NewView(img.Data)
	if err != nil {
		return err
	}

	set := patch.NewSet(img.Data)
	set.Add(int64(view.TimeDateStampOffset()), view.Timestamp[:], "IMAGE_FILE_HEADER.TimeDateStamp")

	// The CheckSum field gets the timestamp constant, not a real PE
	// checksum. Consumers that verify the folded-sum value will reject
	// the file; reproducibility wins over checksum validity here.
	set.Add(int64(view.CheckSumOffset()), view.Timestamp[:], "OptionalHeader.CheckSum")

	if err := addDataDirPatch(view, set, pe.IMAGE_DIRECTORY_ENTRY_EXPORT, "IMAGE_EXPORT_DIRECTORY.TimeDateStamp"); err != nil {
		return err
	}
	if err := addDataDirPatch(view, set, pe.IMAGE_DIRECTORY_ENTRY_RESOURCE, "IMAGE_RESOURCE_DIRECTORY.TimeDateStamp"); err != nil {
		return err
	}

	cvInfo, err := addDebugPatches(view, set)
	if err != nil {
		return err
	}

	set.Sort()
	if err := set.Validate(); err != nil {
		return pe.NewInvalidImage(err.Error())
	}

	// The signature hashes everything the patches will not overwrite.
	// Writing it into the view only now is enough: the CodeView patches
	// reference the view's field, so this is the value they deposit.
	sig := patch.SkipChecksum(img.Data, set.Patches())
	copy(view.PdbSignature[:], sig[:])

	// The PDB goes first so a failure in its path leaves the PE
	// untouched.
	if pdbPath != "" {
		if err := pdb.Rewrite(pdbPath, cvInfo, sig, dryRun); err != nil {
			return err
		}
	}

	if err := set.Apply(dryRun); err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	return img.Save()
}

// addDataDirPatch stamps the directory's TimeDateStamp field, which
// both the export and resource layouts keep four bytes in.
func addDataDirPatch(view *pe.View, set *patch.Set, index int, label string) error {
	off, _, found, err := view.DataDir(index)
	if err != nil || !found {
		return err
	}
	set.Add(int64(off)+4, view.Timestamp[:], label)
	return nil
}

// addDebugPatches walks the debug directory. Entries whose stamp is
// already zero are left alone; at most one CODEVIEW entry may exist,
// and its record is returned for the PDB rewrite.
func addDebugPatches(view *pe.View, set *patch.Set) (*pe.CodeViewInfo, error) {
	entries, err := view.DebugEntries()
	if err != nil {
		return nil, err
	}

	var cvInfo *pe.CodeViewInfo
	for i := range entries {
		entry := &entries[i]
		if entry.TimeDateStamp != 0 {
			set.Add(int64(entry.TimeDateStampOffset()), view.Timestamp[:], "IMAGE_DEBUG_DIRECTORY.TimeDateStamp")
		}

		if entry.Type != pe.IMAGE_DEBUG_TYPE_CODEVIEW {
			continue
		}
		if cvInfo != nil {
			return nil, pe.NewInvalidImage("found multiple CodeView debug entries")
		}
		cvInfo, err = view.CodeViewAt(entry)
		if err != nil {
			return nil, err
		}
	}

	if cvInfo != nil {
		if cvInfo.CvSignature != pe.CV_PDB_70_SIGNATURE {
			return nil, pe.NewInvalidImage("unsupported PDB format, only version 7.0 is supported")
		}
		logrus.Debugf("CodeView record: %s age %d %s", cvInfo.GUID(), cvInfo.Age, cvInfo.PdbFileName)

		set.Add(int64(cvInfo.SignatureOffset()), view.PdbSignature[:], "PDB Signature")
		set.Add(int64(cvInfo.AgeOffset()), view.PdbAge[:], "PDB Age")
	}

	return cvInfo, nil
}
