package artifact

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ctroy978/nighteval/internal/domain"
)

// WriteZip assembles the downloadable bundle: the rendered README (skipped
// when empty) plus the per-student result and printable directories that
// exist. Entries are sorted so the same results always produce the same
// archive listing.
func (l Layout) WriteZip(readme string) error {
	path := l.ZipPath()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	if readme != "" {
		if err := addZipEntry(zw, "README.txt", strings.NewReader(readme)); err != nil {
			return err
		}
	}

	sections := []struct {
		prefix string
		dir    string
	}{
		{"json/", l.JSONDir()},
		{"print/", l.PrintDir()},
		{"print_md/", l.MarkdownDir()},
		{"print_pdf/", l.PDFDir()},
	}
	for _, s := range sections {
		if err := addZipDir(zw, s.prefix, s.dir); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrArtifactWrite, path, err)
	}
	return nil
}

func addZipDir(zw *zip.Writer, prefix, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: read %s: %v", domain.ErrArtifactWrite, dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		src, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("%w: open %s: %v", domain.ErrArtifactWrite, name, err)
		}
		err = addZipEntry(zw, prefix+name, src)
		src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func addZipEntry(zw *zip.Writer, name string, src io.Reader) error {
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
	hdr.Modified = time.Now().UTC()
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("%w: zip entry %s: %v", domain.ErrArtifactWrite, name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("%w: zip entry %s: %v", domain.ErrArtifactWrite, name, err)
	}
	return nil
}
