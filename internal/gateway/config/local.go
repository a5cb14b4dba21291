package config

import (
	"os"
	"strings"
	"time"
)

// localArtifactConfig points at the MinIO container from docker-compose.
func localArtifactConfig() ArtifactConfig {
	return ArtifactConfig{
		Enabled:   true,
		Endpoint:  firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_MINIO_ENDPOINT")), "minio:9000"),
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), "codeforge-artifacts"),
		UseSSL:    false,
		URLExpiry: envDurationOr("ARTIFACT_URL_EXPIRY", time.Hour),
	}
}
