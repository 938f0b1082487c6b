package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"
)

// Well-known Azurite account, used for UseDevelopmentStorage=true
const azuriteConnectionString = "AccountName=devstoreaccount1;" +
	"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;" +
	"BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1"

// account is the part of a connection string the client needs.
type account struct {
	name     string
	key      string
	endpoint string
}

func parseAccount(connectionString string) (account, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(connectionString, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k != "" {
			fields[k] = v
		}
	}
	if strings.EqualFold(fields["UseDevelopmentStorage"], "true") {
		return parseAccount(azuriteConnectionString)
	}

	a := account{name: fields["AccountName"], key: fields["AccountKey"], endpoint: fields["BlobEndpoint"]}
	if a.name == "" || a.key == "" {
		return account{}, fmt.Errorf("account name and key are required in the connection string")
	}
	if a.endpoint == "" {
		suffix := fields["EndpointSuffix"]
		if suffix == "" {
			suffix = "core.windows.net"
		}
		a.endpoint = fmt.Sprintf("https://%s.blob.%s", a.name, suffix)
	}
	a.endpoint = strings.TrimRight(a.endpoint, "/")
	return a, nil
}

// AzureBlobClient is the BlobStore nodes use to offload large payloads to Azure Blob
// Storage. Plain http endpoints are accepted so local Azurite instances work.
type AzureBlobClient struct {
	client    *azblob.Client
	endpoint  string
	container string
	logger    *zap.Logger

	ensureMu sync.Mutex
	ensured    bool
}

// NewAzureBlobClient creates a client for container from a standard connection string.
// The container is created on first upload.
func NewAzureBlobClient(connectionString, container string, logger *zap.Logger) (*AzureBlobClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if container == "" {
		return nil, fmt.Errorf("container name is required")
	}
	acc, err := parseAccount(connectionString)
	if err != nil {
		return nil, err
	}

	credential, err := azblob.NewSharedKeyCredential(acc.name, acc.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}
	var opts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(acc.endpoint), "http://") {
		opts = &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{InsecureAllowCredentialWithHTTP: true}}
	}
	client, err := azblob.NewClientWithSharedKeyCredential(acc.endpoint, credential, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &AzureBlobClient{
		client:    client,
		endpoint:  acc.endpoint,
		container: container,
		logger:    logger,
	}, nil
}

// Upload stores data at blobPath and returns the blob URL, which is what travels in the
// message blob reference.
func (a *AzureBlobClient) Upload(ctx context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) (string, error) {
	if err := a.ensureContainer(ctx); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	md := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		md[k] = to.Ptr(v)
	}

	bb := a.client.ServiceClient().NewContainerClient(a.container).NewBlockBlobClient(blobPath)
	_, err := bb.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata:    md,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		a.logger.Error("Failed to offload payload",
			zap.String("blobPath", blobPath),
			zap.Int("size", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("blob upload failed: %w", err)
	}
	a.logger.Debug("Offloaded payload", zap.String("blobPath", blobPath), zap.Int("size", len(data)))
	return bb.URL(), nil
}

// Download fetches a blob by the URL Upload returned, or by its path in the container.
func (a *AzureBlobClient) Download(ctx context.Context, reference string) ([]byte, error) {
	blobPath, err := blobPathOf(a.endpoint, a.container, reference)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, a.container, blobPath, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("blob %s not found: %w", blobPath, err)
		}
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob data: %w", err)
	}
	return data, nil
}

func (a *AzureBlobClient) ensureContainer(ctx context.Context) error {
	a.ensureMu.Lock()
	defer a.ensureMu.Unlock()
	if a.ensured {
		return nil
	}
	if _, err := a.client.CreateContainer(ctx, a.container, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to ensure container %s: %w", a.container, err)
	}
	a.ensured = true
	return nil
}

// blobPathOf strips the endpoint, container and query from a blob reference.
func blobPathOf(endpoint, container, reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", fmt.Errorf("blob reference is required")
	}
	if endpoint != "" && strings.HasPrefix(strings.ToLower(ref), strings.ToLower(endpoint)) {
		ref = ref[len(endpoint):]
	}
	ref, _, _ = strings.Cut(ref, "?")
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		ref = u.Path
	}
	if unescaped, err := url.PathUnescape(ref); err == nil {
		ref = unescaped
	}
	ref = strings.TrimPrefix(ref, "/")
	ref = strings.TrimPrefix(ref, container+"/")
	if ref == "" {
		return "", fmt.Errorf("blob path is empty")
	}
	return ref, nil
}
