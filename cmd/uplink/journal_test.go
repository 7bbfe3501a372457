package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldops/uplink/internal/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteUploads(t *testing.T) {
	ctx := context.Background()
	j, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	var buf bytes.Buffer
	require.NoError(t, writeUploads(&buf, nil))
	assert.Equal(t, "No uploads recorded\n", buf.String())

	require.NoError(t, j.LogUpload(ctx, "0f8fad5b-d9cb-469f-a165-70867728950e", "enc", "packed", 150000))
	require.NoError(t, j.CompleteUpload(ctx, "0f8fad5b-d9cb-469f-a165-70867728950e", "enc", journal.StatusVerified, 2))
	uploads, err := j.Uploads(ctx)
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, writeUploads(&buf, uploads))
	out := buf.String()
	assert.Contains(t, out, "DATASET")
	assert.Contains(t, out, "0f8fad5b-d9cb-469f-a165-70867728950e")
	assert.Contains(t, out, "verified")
	assert.Contains(t, out, "150000")
	assert.Contains(t, out, uploads[0].UpdatedAt.Local().Format(time.DateTime))
}

func TestDataIDFromPath(t *testing.T) {
	assert.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e",
		dataIDFromPath("/var/lib/uplink/packages/0f8fad5b-d9cb-469f-a165-70867728950e.pkg"))
	assert.Equal(t, "plain", dataIDFromPath("plain"))
}

func TestStateName(t *testing.T) {
	assert.Equal(t, "none", stateName(""))
	assert.Equal(t, "DataSent", stateName("DataSent"))
	assert.Equal(t, "Uploading (unknown)", stateName("Uploading"))
}
