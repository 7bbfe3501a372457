package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInstanceID(t *testing.T) {
	id := NewInstanceID()
	_, err := uuid.Parse(id)
	require.NoError(t, err, "instance id should be a valid UUID")

	assert.NotEqual(t, id, NewInstanceID(), "instance ids must not repeat")
}

func TestNew(t *testing.T) {
	id := New("SN-1", "0b7c7a8e-4f1d-4a51-9a1e-2c4f6d8e0a11")
	assert.Equal(t, "SN-1", id.DeviceSerial)
	assert.Equal(t, "0b7c7a8e-4f1d-4a51-9a1e-2c4f6d8e0a11", id.DataID)
	assert.NotEmpty(t, id.InstanceID)
	assert.False(t, id.IsZero())
	assert.True(t, Identity{}.IsZero())
}
