package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"go.uber.org/zap"

	"github.com/instill-ai/drivesync-backend/pkg/types"

	logx "github.com/instill-ai/x/log"
)

const (
	kbCollectionPrefix       = "kb_"
	kbCollectionFieldFileUID = "file_uid"
)

// KBCollectionName returns the vector collection of a knowledge base.
// Collection names can only contain numbers, letters and underscores.
func KBCollectionName(kbUID uuid.UUID) string {
	return kbCollectionPrefix + strings.ReplaceAll(kbUID.String(), "-", "_")
}

// VectorDatabase holds the search index entries the external processing
// pipeline writes for synced files. The sync only ever removes entries.
type VectorDatabase interface {
	DeleteEmbeddingsWithFileUID(_ context.Context, collectionName string, fileUID types.FileUIDType) error
}

type milvusClient struct {
	c *milvusclient.Client
}

// NewVectorDatabase returns a VectorDatabase implementation (milvus).
func NewVectorDatabase(ctx context.Context, host, port string) (db VectorDatabase, closeFn func() error, _ error) {
	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address: host + ":" + port,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to milvus: %w", err)
	}

	return &milvusClient{c: c}, func() error { return c.Close(context.Background()) }, nil
}

func (m *milvusClient) DeleteEmbeddingsWithFileUID(ctx context.Context, collectionName string, fileUID types.FileUIDType) error {
	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(zap.String("collection_name", collectionName), zap.String("file_uid", fileUID.String()))

	has, err := m.c.HasCollection(ctx, milvusclient.NewHasCollectionOption(collectionName))
	if err != nil {
		return fmt.Errorf("checking collection existence: %w", err)
	}

	// Nothing was indexed for this knowledge base yet.
	if !has {
		logger.Info("Collection does not exist, skipping delete")
		return nil
	}

	expr := fmt.Sprintf("%s == '%s'", kbCollectionFieldFileUID, fileUID.String())
	if _, err := m.c.Delete(ctx, milvusclient.NewDeleteOption(collectionName).WithExpr(expr)); err != nil {
		return fmt.Errorf("deleting embeddings: %w", err)
	}

	logger.Info("Successfully deleted embeddings")
	return nil
}
