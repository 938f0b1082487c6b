package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewAzureBlobClient(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name             string
		connectionString string
		containerName    string
		errContains      string
	}{
		{
			name:             "empty connection string",
			connectionString: "",
			containerName:    "payloads",
			errContains:      "connection string is required",
		},
		{
			name:             "empty container name",
			connectionString: "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net",
			containerName:    "",
			errContains:      "container name is required",
		},
		{
			name:             "missing key",
			connectionString: "AccountName=test",
			containerName:    "payloads",
			errContains:      "account name and key are required",
		},
		{
			name:             "valid shared key",
			connectionString: "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net",
			containerName:    "payloads",
		},
		{
			name:             "azurite shortcut",
			connectionString: "UseDevelopmentStorage=true",
			containerName:    "payloads",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewAzureBlobClient(tt.connectionString, tt.containerName, logger)
			if tt.errContains != "" {
				assert.ErrorContains(t, err, tt.errContains)
				assert.Nil(t, client)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client)
		})
	}
}

func TestAzuriteEndpoint(t *testing.T) {
	client, err := NewAzureBlobClient("UseDevelopmentStorage=true", "payloads", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1", client.endpoint)
}

func TestParseAccount(t *testing.T) {
	acc, err := parseAccount("AccountName=acc; AccountKey=a2V5==;;BlobEndpoint=http://localhost:10000/acc/")
	require.NoError(t, err)
	assert.Equal(t, account{name: "acc", key: "a2V5==", endpoint: "http://localhost:10000/acc"}, acc)

	acc, err = parseAccount("AccountName=acc;AccountKey=a2V5==;EndpointSuffix=core.chinacloudapi.cn")
	require.NoError(t, err)
	assert.Equal(t, "https://acc.blob.core.chinacloudapi.cn", acc.endpoint)

	acc, err = parseAccount("AccountName=acc;AccountKey=a2V5==")
	require.NoError(t, err)
	assert.Equal(t, "https://acc.blob.core.windows.net", acc.endpoint)
}

func TestBlobPathOf(t *testing.T) {
	svc := "https://acc.blob.core.windows.net"
	tests := []struct {
		ref  string
		want string
	}{
		{svc + "/payloads/dpe/n/1.bin", "dpe/n/1.bin"},
		{svc + "/payloads/dpe/n/1.bin?sv=2024", "dpe/n/1.bin"},
		{"payloads/dpe%2Fn/1.bin", "dpe/n/1.bin"},
		{"/dpe/n/1.bin", "dpe/n/1.bin"},
	}
	for _, tt := range tests {
		got, err := blobPathOf(svc, "payloads", tt.ref)
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.want, got, tt.ref)
	}

	_, err := blobPathOf(svc, "payloads", "  ")
	assert.Error(t, err)
}

func TestMemoryBlobStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBlobStore()

	url, err := store.Upload(ctx, "dpe/a/1", []byte("payload"), "application/octet-stream", nil)
	require.NoError(t, err)
	assert.Equal(t, "mem://dpe/a/1", url)

	data, err := store.Download(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, 1, store.Len())

	_, err = store.Download(ctx, "mem://missing")
	assert.Error(t, err)
	_, err = store.Upload(ctx, "", nil, "", nil)
	assert.Error(t, err)
}
