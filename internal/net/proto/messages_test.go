package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"musical-multiverse/network/internal/replica"
)

func TestEncodeUpdateSetsVersionAndType(t *testing.T) {
	update := replica.Update{Origin: "peer-a", Entries: []replica.Entry{
		{Map: "audioNodes3D", Key: "node-1", Value: json.RawMessage(`{"id":"node-1"}`), Clock: 3, Replica: "peer-a"},
	}}
	data, err := EncodeUpdate(update)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(Version), raw["ver"])
	assert.Equal(t, TypeUpdate, raw["type"])

	msg, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, msg.Update)
	require.Len(t, msg.Update.Entries, 1)
	entry := msg.Update.Entries[0]
	assert.Equal(t, "node-1", entry.Key)
	assert.EqualValues(t, 3, entry.Clock)
	assert.JSONEq(t, `{"id":"node-1"}`, string(entry.Value))
}

func TestDecodeDefaultsVersion(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"heartbeat","sentAt":42}`))
	require.NoError(t, err)
	assert.Equal(t, Version, msg.Ver)
	assert.EqualValues(t, 42, msg.SentAt)
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	_, err := Decode([]byte(`{"ver":2,"type":"update"}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	_, err = Decode([]byte(`{"ver":1}`))
	assert.ErrorIs(t, err, ErrMissingType)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeHelloAndSnapshot(t *testing.T) {
	data, err := EncodeHello(Hello{Room: "studio", Participant: "p-1"})
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeHello, msg.Type)
	assert.Equal(t, "studio", msg.Room)
	assert.Equal(t, "p-1", msg.Participant)

	data, err = EncodeSnapshot("studio", replica.Update{Origin: "relay"})
	require.NoError(t, err)
	msg, err = Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeSnapshot, msg.Type)
	require.NotNil(t, msg.Update)
	assert.Equal(t, "relay", msg.Update.Origin)
}
