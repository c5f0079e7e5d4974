package mcap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSummaryFixture(t *testing.T, chunked bool) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &WriterOptions{Chunked: chunked, ChunkSize: megabyte})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&Header{}))
	require.NoError(t, w.WriteSchema(&Schema{ID: 1, Name: "s", Encoding: "ros2msg", Data: []byte{}}))
	require.NoError(t, w.WriteChannel(&Channel{ID: 0, SchemaID: 1, Topic: "/t"}))
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, w.WriteMessage(&Message{
			ChannelID:   0,
			Sequence:    uint32(i),
			LogTime:     i,
			PublishTime: i,
			Data:        []byte{byte(i)},
		}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestBuildSummaryModes(t *testing.T) {
	t.Run("missing mode loads a file with a full summary section", func(t *testing.T) {
		data := writeSummaryFixture(t, true)
		r, err := NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		info, err := r.BuildSummary(ReconstructionMissing)
		require.NoError(t, err)
		require.Len(t, info.Schemas, 1)
		require.Len(t, info.Channels, 1)
		require.Len(t, info.ChunkIndexes, 1)
		require.Equal(t, uint64(10), info.Statistics.MessageCount)
	})

	t.Run("always mode rebuilds from data ignoring the summary section", func(t *testing.T) {
		data := writeSummaryFixture(t, true)
		r, err := NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		info, err := r.BuildSummary(ReconstructionAlways)
		require.NoError(t, err)
		require.Len(t, info.Schemas, 1)
		require.Len(t, info.Channels, 1)
		require.Len(t, info.ChunkIndexes, 1)
		require.Equal(t, uint64(10), info.Statistics.MessageCount)
		require.Equal(t, uint64(0), info.ChunkIndexes[0].MessageStartTime)
		require.Equal(t, uint64(9), info.ChunkIndexes[0].MessageEndTime)
	})

	t.Run("never mode fails on a file with no summary section", func(t *testing.T) {
		data := writeSummaryFixture(t, true)
		// truncate the file before its summary section to simulate a crashed recorder.
		r, err := NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		footer, hasSummary, err := r.readFooterForSummary()
		require.NoError(t, err)
		require.True(t, hasSummary)

		truncated := make([]byte, footer.SummaryStart)
		copy(truncated, data[:footer.SummaryStart])
		truncated = append(truncated, make([]byte, 20)...) // zeroed footer body: no summary section
		truncated = append(truncated, Magic...)
		tr, err := NewReader(bytes.NewReader(truncated))
		require.NoError(t, err)
		_, err = tr.BuildSummary(ReconstructionNever)
		require.ErrorIs(t, err, ErrNoSummarySection)
	})

	t.Run("unchunked file reconstructs with no chunk indexes", func(t *testing.T) {
		data := writeSummaryFixture(t, false)
		r, err := NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		info, err := r.BuildSummary(ReconstructionAlways)
		require.NoError(t, err)
		require.Empty(t, info.ChunkIndexes)
		require.Equal(t, uint64(10), info.Statistics.MessageCount)
	})
}

func TestReconstructionModeString(t *testing.T) {
	require.Equal(t, "never", ReconstructionNever.String())
	require.Equal(t, "missing", ReconstructionMissing.String())
	require.Equal(t, "always", ReconstructionAlways.String())
}
