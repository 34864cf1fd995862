package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/fieldgrid/collector/repository"
)

// CurrentValueRepository implements repository.CurrentValueRepository
// against one blob container, one block blob per point id holding the
// latest JSON-encoded CurrentValueEntity.
type CurrentValueRepository struct {
	container *container.Client
}

// NewCurrentValueRepository wraps an already-constructed container client.
func NewCurrentValueRepository(c *container.Client) *CurrentValueRepository {
	return &CurrentValueRepository{container: c}
}

// Put uploads the latest value for a point, overwriting any prior blob.
func (r *CurrentValueRepository) Put(ctx context.Context, v repository.CurrentValueEntity) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = r.container.NewBlockBlobClient(v.PointID).Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), &blockblob.UploadOptions{})
	return err
}

// Latest implements repository.CurrentValueRepository.
func (r *CurrentValueRepository) Latest(ctx context.Context, pointID string) (repository.CurrentValueEntity, error) {
	resp, err := r.container.NewBlobClient(pointID).DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return repository.CurrentValueEntity{}, repository.ErrNotFound
		}
		return repository.CurrentValueEntity{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return repository.CurrentValueEntity{}, fmt.Errorf("azure: read current value blob: %w", err)
	}
	if len(data) == 0 {
		return repository.CurrentValueEntity{}, repository.ErrNotFound
	}
	var v repository.CurrentValueEntity
	if err := json.Unmarshal(data, &v); err != nil {
		return repository.CurrentValueEntity{}, err
	}
	return v, nil
}
