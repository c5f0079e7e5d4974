package mcap

import (
	"bytes"
	"testing"

	"github.com/robotic-data/mcap-engine/codec"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderTypedRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{Chunked: true, ChunkSize: megabyte})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))

	msgDef := "int32 a\nfloat64 b\nstring name\n"
	s := &Schema{ID: 1, Name: "test_msgs/Flat", Encoding: "ros2msg", Data: []byte(msgDef)}
	require.NoError(t, w.WriteSchema(s))
	require.NoError(t, w.WriteChannel(&Channel{ID: 0, SchemaID: 1, Topic: "/flat", MessageEncoding: "cdr"}))

	v := codec.NewValue(nil)
	v.Set("a", int32(-7))
	v.Set("b", float64(3.5))
	v.Set("name", "hello")
	require.NoError(t, w.WriteValue(0, 0, 100, 100, v))
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	it, err := r.Messages()
	require.NoError(t, err)
	_, channel, msg, err := it.Next2(nil)
	require.NoError(t, err)
	require.Equal(t, uint16(0), channel.ID)

	out, err := r.Decode(s, msg)
	require.NoError(t, err)
	require.Equal(t, int32(-7), out.Fields["a"])
	require.Equal(t, float64(3.5), out.Fields["b"])
	require.Equal(t, "hello", out.Fields["name"])
}

func TestWriteValueUnrecognizedChannel(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	err = w.WriteValue(42, 0, 0, 0, codec.NewValue(nil))
	require.Error(t, err)
}
