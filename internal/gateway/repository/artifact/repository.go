// Package artifact stores published project bundles. A bundle is addressed
// by "<projectID>/<jobID>" and holds the project files plus a manifest.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store defines operations for persisting published bundles.
type Store interface {
	Put(ctx context.Context, bundle, path string, content []byte) error
	Get(ctx context.Context, bundle, path string) ([]byte, error)
	GetURL(ctx context.Context, bundle, path string) (string, error)
	List(ctx context.Context, bundle string) ([]string, error)
}

var ErrNotFound = errors.New("artifact not found")

// BundleID joins a project and job into a bundle address.
func BundleID(projectID, jobID string) string {
	return strings.TrimSpace(projectID) + "/" + strings.TrimSpace(jobID)
}

func normalizeKey(bundle, path string) (string, string, error) {
	bundle = strings.Trim(strings.TrimSpace(bundle), "/")
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if bundle == "" {
		return "", "", fmt.Errorf("bundle is required")
	}
	if path == "" {
		return "", "", fmt.Errorf("path is required")
	}
	return bundle, path, nil
}

func normalizeBundle(bundle string) (string, error) {
	bundle = strings.Trim(strings.TrimSpace(bundle), "/")
	if bundle == "" {
		return "", fmt.Errorf("bundle is required")
	}
	return bundle, nil
}
