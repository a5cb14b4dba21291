// Package publish hands a finished project to the artifact store and returns
// a durable reference to it.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"codeforge/internal/filestore"
	"codeforge/internal/gateway/repository/artifact"
)

const (
	refScheme    = "artifact://"
	manifestPath = ".codeforge/manifest.json"
)

type Manifest struct {
	ProjectID   string               `json:"projectId"`
	JobID       string               `json:"jobId"`
	PublishedAt time.Time            `json:"publishedAt"`
	Files       []filestore.FileInfo `json:"files"`
}

type Service struct {
	store       artifact.Store
	concurrency int
	now         func() time.Time
}

func New(store artifact.Store) *Service {
	return &Service{store: store, concurrency: 8, now: time.Now}
}

// Publish uploads every file and then the manifest. The manifest is written
// last so a bundle with a manifest is complete.
func (s *Service) Publish(ctx context.Context, projectID, jobID string, files []filestore.FileRecord) (string, error) {
	if s == nil || s.store == nil {
		return "", fmt.Errorf("publish: artifact store is nil")
	}
	bundle := artifact.BundleID(projectID, jobID)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, f := range files {
		g.Go(func() error {
			if err := s.store.Put(gctx, bundle, f.Path, f.Body); err != nil {
				return fmt.Errorf("put %s: %w", f.Path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("publish %s: %w", bundle, err)
	}

	m := Manifest{ProjectID: projectID, JobID: jobID, PublishedAt: s.now().UTC()}
	for _, f := range files {
		m.Files = append(m.Files, f.Info())
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("publish %s: encode manifest: %w", bundle, err)
	}
	if err := s.store.Put(ctx, bundle, manifestPath, raw); err != nil {
		return "", fmt.Errorf("publish %s: put manifest: %w", bundle, err)
	}
	log.Printf("published %d files to %s", len(files), bundle)
	return refScheme + bundle, nil
}

// Manifest reads back the manifest behind a reference returned by Publish.
func (s *Service) Manifest(ctx context.Context, ref string) (Manifest, error) {
	bundle, ok := strings.CutPrefix(strings.TrimSpace(ref), refScheme)
	if !ok || bundle == "" {
		return Manifest{}, fmt.Errorf("invalid result reference %q", ref)
	}
	raw, err := s.store.Get(ctx, bundle, manifestPath)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// ManifestURL resolves a reference to a downloadable manifest URL.
func (s *Service) ManifestURL(ctx context.Context, ref string) (string, error) {
	bundle, ok := strings.CutPrefix(strings.TrimSpace(ref), refScheme)
	if !ok || bundle == "" {
		return "", fmt.Errorf("invalid result reference %q", ref)
	}
	return s.store.GetURL(ctx, bundle, manifestPath)
}
