package zip

import (
	"archive/zip"
	"bytes"
)

// Asset is one file to include in a download bundle.
type Asset struct {
	Filename string
	Data     []byte
}

// ArchiveAssets bundles the assets into a single zip, preserving their
// object-store keys as entry names. Returns nil when a write fails.
func ArchiveAssets(assets []Asset) []byte {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, asset := range assets {
		if asset.Filename == "" {
			continue
		}
		w, err := zw.Create(asset.Filename)
		if err != nil {
			continue
		}
		if _, err := w.Write(asset.Data); err != nil {
			return nil
		}
	}
	if err := zw.Close(); err != nil {
		return nil
	}
	return buf.Bytes()
}
