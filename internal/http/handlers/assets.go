package handlers

import (
	"net/http"
	"path"

	"photopipe/internal/domain"
	"photopipe/pkg/zip"
)

type assetLink struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type assetsResponse struct {
	JobID       string      `json:"job_id"`
	Status      string      `json:"status"`
	Cutout      *assetLink  `json:"cutout,omitempty"`
	Mask        *assetLink  `json:"mask,omitempty"`
	Backgrounds []assetLink `json:"backgrounds,omitempty"`
	Composites  []assetLink `json:"composites,omitempty"`
	Derivatives []assetLink `json:"derivatives,omitempty"`
	Manifest    *assetLink  `json:"manifest,omitempty"`
}

// JobAssets lists every recorded output with a time-bounded signed URL. The
// store never serves unsigned reads, so this is the only read path.
func (a *App) JobAssets(w http.ResponseWriter, r *http.Request) {
	job, ok := a.lookupJob(w, r)
	if !ok {
		return
	}

	resp := assetsResponse{JobID: job.ID, Status: string(job.Status)}
	sign := func(key string) (*assetLink, bool) {
		if key == "" {
			return nil, true
		}
		u, err := a.Objects.PresignGet(r.Context(), key, a.Config.SignedURLTTL)
		if err != nil {
			a.Logger.Error().Err(err).Str("key", key).Msg("assets: presign")
			return nil, false
		}
		return &assetLink{Key: key, URL: u}, true
	}
	signAll := func(keys []string) ([]assetLink, bool) {
		links := make([]assetLink, 0, len(keys))
		for _, key := range keys {
			link, ok := sign(key)
			if !ok {
				return nil, false
			}
			if link != nil {
				links = append(links, *link)
			}
		}
		return links, true
	}

	// A partial listing would look like missing outputs, so any presign
	// failure fails the whole request.
	var signOK bool
	if resp.Cutout, signOK = sign(job.CutoutKey); signOK {
		resp.Mask, signOK = sign(job.MaskKey)
	}
	if signOK {
		resp.Backgrounds, signOK = signAll(job.BackgroundKeys)
	}
	if signOK {
		resp.Composites, signOK = signAll(job.CompositeKeys)
	}
	if signOK {
		resp.Derivatives, signOK = signAll(job.DerivativeKeys)
	}
	if signOK {
		resp.Manifest, signOK = sign(job.ManifestKey)
	}
	if !signOK {
		a.error(w, http.StatusInternalServerError, "InternalError", "could not sign asset URLs")
		return
	}

	a.json(w, http.StatusOK, resp)
}

// JobAssetsArchive bundles the shippable outputs (composites plus the full
// derivative matrix) into one zip download.
func (a *App) JobAssetsArchive(w http.ResponseWriter, r *http.Request) {
	job, ok := a.lookupJob(w, r)
	if !ok {
		return
	}
	keys := append(append([]string(nil), job.CompositeKeys...), job.DerivativeKeys...)
	if len(keys) == 0 {
		a.error(w, http.StatusConflict, "InvalidState", "job has no shippable outputs yet")
		return
	}

	assets := make([]zip.Asset, 0, len(keys))
	for _, key := range keys {
		data, err := a.Objects.Get(r.Context(), key)
		if err != nil {
			a.Logger.Error().Err(err).Str("key", key).Msg("assets: read for archive")
			a.error(w, http.StatusInternalServerError, domain.ErrCodeStorage, "could not read asset")
			return
		}
		assets = append(assets, zip.Asset{Filename: key, Data: data})
	}

	archive := zip.ArchiveAssets(assets)
	if archive == nil {
		a.error(w, http.StatusInternalServerError, "InternalError", "could not build archive")
		return
	}
	filename := path.Base(job.SKU) + "-" + job.ContentHash + ".zip"
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}
