package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"codeforge/internal/filestore"
	"codeforge/internal/gateway/config"
	artifactrepo "codeforge/internal/gateway/repository/artifact"
	"codeforge/internal/job"
)

type gatewayStores struct {
	db       *sql.DB
	files    filestore.Store
	jobs     job.Store
	artifact artifactrepo.Store
}

func (s *gatewayStores) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initStores(ctx context.Context, cfg *config.Config) (*gatewayStores, error) {
	s3Factory := newArtifactS3StoreFactory(cfg)

	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		return initPostgresStores(ctx, dsn, cfg, s3Factory)
	}
	return initInMemoryStores(cfg, s3Factory)
}

func newArtifactS3StoreFactory(cfg *config.Config) func() (artifactrepo.Store, error) {
	return func() (artifactrepo.Store, error) {
		s3Cfg := artifactrepo.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
			URLExpiry: cfg.Artifact.URLExpiry,
		}
		s3Store, err := artifactrepo.NewS3Store(s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize artifact s3 store: %w", err)
		}
		log.Printf("artifact store: s3 bucket=%s endpoint=%s", s3Cfg.Bucket, s3Cfg.Endpoint)
		return s3Store, nil
	}
}

func initPostgresStores(ctx context.Context, dsn string, cfg *config.Config, s3Factory func() (artifactrepo.Store, error)) (*gatewayStores, error) {
	db, err := filestore.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	artifactStore, err := chooseArtifactStore(cfg, artifactrepo.NewPostgresStore(db), "postgres", s3Factory)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Printf("stores: postgres")
	return &gatewayStores{
		db:       db,
		files:    cacheFiles(cfg, filestore.NewPostgresStore(db)),
		jobs:     job.NewPostgresStore(db),
		artifact: artifactStore,
	}, nil
}

func initInMemoryStores(cfg *config.Config, s3Factory func() (artifactrepo.Store, error)) (*gatewayStores, error) {
	artifactStore, err := chooseArtifactStore(cfg, artifactrepo.NewMemoryStore(), "in-memory", s3Factory)
	if err != nil {
		return nil, err
	}
	log.Printf("stores: in-memory")
	return &gatewayStores{
		files:    filestore.NewMemoryStore(),
		jobs:     job.NewMemoryStore(),
		artifact: artifactStore,
	}, nil
}

// cacheFiles fronts a remote file store with the read cache.
func cacheFiles(cfg *config.Config, origin filestore.Store) filestore.Store {
	if !cfg.FileCache.Enabled {
		return origin
	}
	cc := filestore.DefaultCacheConfig()
	cc.FileTTL = cfg.FileCache.TTL
	cc.FileMaxEntries = cfg.FileCache.MaxEntries
	return filestore.NewCachedStore(origin, cc)
}

func chooseArtifactStore(
	cfg *config.Config,
	fallback artifactrepo.Store,
	fallbackLabel string,
	s3Factory func() (artifactrepo.Store, error),
) (artifactrepo.Store, error) {
	if cfg.Artifact.CanUseS3() {
		return s3Factory()
	}
	if cfg.Artifact.Enabled {
		log.Printf("artifact store: using %s fallback (s3 config incomplete)", fallbackLabel)
	}
	if fallback == nil {
		return nil, fmt.Errorf("artifact origin store is nil")
	}
	return fallback, nil
}
