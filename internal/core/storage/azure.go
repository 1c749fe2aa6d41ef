package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/google/uuid"

	"github.com/SnapSpend/receipt-service/config"
)

// AzureStorage keeps receipt images in an Azure Blob Storage
// container.
type AzureStorage struct {
	client        *azblob.Client
	containerName string
}

func NewAzureStorage(cfg config.AzureCloudConfig) (*AzureStorage, error) {
	if cfg.ContainerName == "" {
		return nil, errors.New("azure blob container name is required")
	}

	var client *azblob.Client
	var err error

	if cfg.ConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	} else {
		if cfg.StorageAccountName == "" || cfg.StorageAccountKey == "" {
			return nil, errors.New("azure storage account name and key are required when no connection string is set")
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.StorageAccountName)
		credential, credErr := azblob.NewSharedKeyCredential(cfg.StorageAccountName, cfg.StorageAccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create azure credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create azure blob client: %w", err)
	}

	return &AzureStorage{
		client:        client,
		containerName: cfg.ContainerName,
	}, nil
}

func (s *AzureStorage) Store(ctx context.Context, data []byte, contentType string) (string, error) {
	ref := uuid.New().String() + extensionFor(contentType)

	opts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(contentType),
		},
	}

	if _, err := s.client.UploadStream(ctx, s.containerName, ref, bytes.NewReader(data), opts); err != nil {
		return "", fmt.Errorf("failed to upload receipt image: %w", err)
	}

	return ref, nil
}

func (s *AzureStorage) Fetch(ctx context.Context, ref string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.containerName, ref, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download receipt image %s: %w", ref, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read receipt image %s: %w", ref, err)
	}

	return data, nil
}

func (s *AzureStorage) Delete(ctx context.Context, ref string) error {
	if _, err := s.client.DeleteBlob(ctx, s.containerName, ref, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete receipt image %s: %w", ref, err)
	}
	return nil
}

func extensionFor(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}
