// Package archive exports a committed snapshot as a deterministic .tar.zst
// bundle and verifies such bundles offline.
package archive

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/tbowman01/shared-github-actions/pkg/ledger"
	"github.com/tbowman01/shared-github-actions/pkg/merkle"
)

// Extension is the file suffix of an exported bundle.
const Extension = ".tar.zst"

// maxDecoderMemory bounds the zstd window when reading untrusted bundles.
const maxDecoderMemory = 256 << 20

// ErrTampered is returned when a snapshot or bundle fails verification.
var ErrTampered = errors.New("archive: content does not match manifest")

// Export writes the snapshot for date to w. The manifest comes first, then
// every listed file in manifest order under a "<date>/" prefix. Entries carry
// a fixed mtime and owner so the same snapshot always yields the same bytes.
func Export(l *ledger.Ledger, date string, w io.Writer) (*ledger.Manifest, error) {
	report, err := l.Verify(date)
	if err != nil {
		return nil, err
	}
	if !report.OK() {
		return nil, fmt.Errorf("%w: snapshot %s", ErrTampered, date)
	}
	m, err := l.ReadManifest(date)
	if err != nil {
		return nil, err
	}
	manifest, err := l.ReadSnapshotFile(date, ledger.ManifestFile)
	if err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(enc)

	if err := writeEntry(tw, path.Join(date, ledger.ManifestFile), manifest); err != nil {
		return nil, err
	}
	for _, e := range m.Files {
		data, err := l.ReadSnapshotFile(date, e.Path)
		if err != nil {
			return nil, err
		}
		if err := writeEntry(tw, path.Join(date, e.Path), data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return m, nil
}

// ExportFile writes the bundle to out, replacing any existing file only once
// the bundle is complete.
func ExportFile(l *ledger.Ledger, date, out string) (*ledger.Manifest, error) {
	if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(out), ".export-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after rename

	m, err := Export(l, date, tmp)
	if err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	return m, os.Rename(tmp.Name(), out)
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     int64(len(data)),
		Mode:     0o644,
		ModTime:  time.Unix(0, 0),
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write data %s: %w", name, err)
	}
	return nil
}

// Verify reads a bundle and checks every file digest and the merkle root
// against the embedded manifest.
func Verify(r io.Reader) (*ledger.Manifest, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(maxDecoderMemory))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var (
		manifest *ledger.Manifest
		prefix   string
		files    = map[string][]byte{}
	)
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar read: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("%w: unexpected entry %s", ErrTampered, hdr.Name)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil { //nolint:gosec // bounded by decoder memory
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}

		if manifest == nil {
			dir, file := path.Split(hdr.Name)
			if file != ledger.ManifestFile {
				return nil, fmt.Errorf("%w: bundle must start with %s", ErrTampered, ledger.ManifestFile)
			}
			var m ledger.Manifest
			if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
				return nil, fmt.Errorf("decode manifest: %w", err)
			}
			manifest, prefix = &m, dir
			continue
		}
		rel, ok := strings.CutPrefix(hdr.Name, prefix)
		if !ok || rel == "" {
			return nil, fmt.Errorf("%w: entry %s outside %s", ErrTampered, hdr.Name, prefix)
		}
		files[rel] = buf.Bytes()
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: empty bundle", ErrTampered)
	}

	leaves := make(map[string]string, len(manifest.Files))
	for _, e := range manifest.Files {
		data, ok := files[e.Path]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrTampered, e.Path)
		}
		if digest.FromBytes(data) != e.Digest {
			return nil, fmt.Errorf("%w: digest mismatch for %s", ErrTampered, e.Path)
		}
		leaves[e.Path] = e.Digest.String()
		delete(files, e.Path)
	}
	if len(files) > 0 {
		return nil, fmt.Errorf("%w: %d unlisted file(s)", ErrTampered, len(files))
	}
	if merkle.Build(leaves).Root != manifest.MerkleRoot {
		return nil, fmt.Errorf("%w: merkle root mismatch", ErrTampered)
	}
	return manifest, nil
}

// VerifyFile opens and verifies a bundle on disk.
func VerifyFile(p string) (*ledger.Manifest, error) {
	f, err := os.Open(p) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only
	return Verify(f)
}
