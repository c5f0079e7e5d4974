package mcap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ReconstructionMode controls how BuildSummary recovers the schema table, channel
// table, chunk-index list, and statistics of a file. MessageIndex records are never
// rebuilt; see reconstructChunkIndex.
type ReconstructionMode int

const (
	// ReconstructionNever requires a usable summary section and summary offset index;
	// it fails rather than scanning message data to rebuild either one.
	ReconstructionNever ReconstructionMode = iota
	// ReconstructionMissing loads an existing summary section as it is, through the
	// summary offset index when there is one and by scanning the section otherwise, and
	// rebuilds from the data section only when the file has no summary section.
	ReconstructionMissing
	// ReconstructionAlways ignores any existing summary section or offset index and
	// rebuilds every table by scanning the file's data records from scratch.
	ReconstructionAlways
)

func (m ReconstructionMode) String() string {
	switch m {
	case ReconstructionNever:
		return "never"
	case ReconstructionMissing:
		return "missing"
	case ReconstructionAlways:
		return "always"
	default:
		return "unknown"
	}
}

// ErrNoSummaryIndex is returned in ReconstructionNever mode when a file has a summary
// section but no summary offset index through which to load it.
var ErrNoSummaryIndex = errors.New("mcap file has a summary section but no summary offset index")

// ErrNoChunkIndex reports that no chunk indexes are available. No function in this
// package returns it: BuildSummary returns an Info with an empty ChunkIndexes list
// instead, and Messages handles that case without it.
var ErrNoChunkIndex = errors.New("no chunk indexes available")

// BuildSummary loads or reconstructs an Info describing r's schema table, channel
// table, chunk-index list, and statistics, following mode.
// Unlike Info, which always prefers an existing summary section and otherwise returns
// nil, BuildSummary implements the full never/missing/always decision table and can be
// asked to ignore a file's own claims about itself.
func (r *Reader) BuildSummary(mode ReconstructionMode) (*Info, error) {
	if r.rs == nil {
		return nil, errors.New("building a summary requires a seekable source")
	}
	if mode == ReconstructionAlways {
		return r.reconstructSummaryFromData()
	}
	footer, hasSummary, err := r.readFooterForSummary()
	if err != nil {
		return nil, err
	}
	if !hasSummary {
		if mode == ReconstructionNever {
			return nil, ErrNoSummarySection
		}
		return r.reconstructSummaryFromData()
	}
	if footer.SummaryOffsetStart == 0 {
		if mode == ReconstructionNever {
			return nil, ErrNoSummaryIndex
		}
		return r.scanSummarySection(footer)
	}
	return r.loadSummaryViaOffsetMap(footer)
}

// readFooterForSummary reads the trailing footer record, reporting whether the file has
// a nonempty summary section (SummaryStart != 0).
func (r *Reader) readFooterForSummary() (*Footer, bool, error) {
	if _, err := r.rs.Seek(-8-4-8-8, io.SeekEnd); err != nil {
		return nil, false, fmt.Errorf("seek error: %w", err)
	}
	buf := make([]byte, 8+20)
	if _, err := io.ReadFull(r.rs, buf); err != nil {
		return nil, false, fmt.Errorf("read error: %w", err)
	}
	if !bytes.Equal(buf[20:], Magic) {
		return nil, false, errors.New("not an mcap file")
	}
	footer, err := ParseFooter(buf[:20])
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse footer: %w", err)
	}
	return footer, footer.SummaryStart != 0, nil
}

func newInfo() *Info {
	return &Info{
		Schemas:  make(map[uint16]*Schema),
		Channels: make(map[uint16]*Channel),
	}
}

// applyGroupRecord folds a single summary-section record of the given opcode into info,
// used by both the "scan summary" and "load via offset map" reconstruction paths.
func applyGroupRecord(info *Info, opcode OpCode, record []byte) error {
	switch opcode {
	case OpSchema:
		schema, err := ParseSchema(record)
		if err != nil {
			return fmt.Errorf("failed to parse schema: %w", err)
		}
		info.Schemas[schema.ID] = schema
	case OpChannel:
		channel, err := ParseChannel(record)
		if err != nil {
			return fmt.Errorf("failed to parse channel info: %w", err)
		}
		info.Channels[channel.ID] = channel
	case OpChunkIndex:
		idx, err := ParseChunkIndex(record)
		if err != nil {
			return fmt.Errorf("failed to parse chunk index: %w", err)
		}
		info.ChunkIndexes = append(info.ChunkIndexes, idx)
	case OpAttachmentIndex:
		idx, err := ParseAttachmentIndex(record)
		if err != nil {
			return fmt.Errorf("failed to parse attachment index: %w", err)
		}
		info.AttachmentIndexes = append(info.AttachmentIndexes, idx)
	case OpMetadataIndex:
		idx, err := ParseMetadataIndex(record)
		if err != nil {
			return fmt.Errorf("failed to parse metadata index: %w", err)
		}
		info.MetadataIndexes = append(info.MetadataIndexes, idx)
	case OpStatistics:
		stats, err := ParseStatistics(record)
		if err != nil {
			return fmt.Errorf("failed to parse statistics: %w", err)
		}
		info.Statistics = stats
	}
	return nil
}

// scanSummarySection walks the summary section record by record, folding every record
// it finds into an Info. This is used when a file has a summary section but no summary
// offset index to load groups through directly.
func (r *Reader) scanSummarySection(footer *Footer) (*Info, error) {
	info := newInfo()
	header, err := r.readHeader()
	if err != nil {
		return nil, err
	}
	info.Header = header
	info.Footer = footer
	if _, err := r.rs.Seek(int64(footer.SummaryStart), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to summary start: %w", err)
	}
	for {
		opcode, record, err := readRecord(r.rs)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if opcode == OpFooter {
			break
		}
		if err := applyGroupRecord(info, opcode, record); err != nil {
			return nil, err
		}
	}
	sortChunkIndexes(info.ChunkIndexes)
	return info, nil
}

// loadSummaryViaOffsetMap reads the SummaryOffset records following footer.SummaryOffsetStart,
// then seeks to and loads each named group directly, rather than scanning the whole summary
// section record by record.
func (r *Reader) loadSummaryViaOffsetMap(footer *Footer) (*Info, error) {
	info := newInfo()
	header, err := r.readHeader()
	if err != nil {
		return nil, err
	}
	info.Header = header
	info.Footer = footer
	if _, err := r.rs.Seek(int64(footer.SummaryOffsetStart), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to summary offset start: %w", err)
	}
	var offsets []*SummaryOffset
	for {
		opcode, record, err := readRecord(r.rs)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if opcode == OpFooter {
			break
		}
		if opcode != OpSummaryOffset {
			return nil, fmt.Errorf("expected summary offset record, found opcode %v", opcode)
		}
		summaryOffset, err := ParseSummaryOffset(record)
		if err != nil {
			return nil, fmt.Errorf("failed to parse summary offset: %w", err)
		}
		offsets = append(offsets, summaryOffset)
	}
	for _, group := range offsets {
		if err := loadSummaryGroup(r.rs, info, group); err != nil {
			return nil, err
		}
	}
	sortChunkIndexes(info.ChunkIndexes)
	return info, nil
}

// loadSummaryGroup seeks to a single summary-offset group and reads GroupLength bytes
// of consecutive records of GroupOpcode, folding each into info.
func loadSummaryGroup(rs io.ReadSeeker, info *Info, group *SummaryOffset) error {
	if _, err := rs.Seek(int64(group.GroupStart), io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to summary group: %w", err)
	}
	limit := io.LimitReader(rs, int64(group.GroupLength))
	for {
		opcode, record, err := readRecord(limit)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if opcode != group.GroupOpcode {
			return fmt.Errorf("expected %s record in summary group, found opcode %v", group.GroupOpcode, opcode)
		}
		if err := applyGroupRecord(info, opcode, record); err != nil {
			return err
		}
	}
}

func sortChunkIndexes(indexes []*ChunkIndex) {
	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i].MessageStartTime < indexes[j].MessageStartTime
	})
}

// reconstructSummaryFromData rebuilds schemas, channels, chunk indexes, and statistics by
// scanning the file's data section directly, trusting nothing the file's own summary
// section or chunk-trailing MessageIndex records claim about themselves except where a
// chunk is immediately followed by MessageIndex records, which are honored if present
// rather than recomputed. Attachments and metadata are not scanned by this path.
func (r *Reader) reconstructSummaryFromData() (*Info, error) {
	info := newInfo()
	header, err := r.readHeader()
	if err != nil {
		return nil, err
	}
	info.Header = header
	stats := &Statistics{ChannelMessageCounts: make(map[uint16]uint64)}
	info.Statistics = stats

	// readHeader leaves r.rs positioned just past the header record.
	for {
		offset, err := r.rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("failed to read current offset: %w", err)
		}
		opcode, record, err := readRecord(r.rs)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		switch opcode {
		case OpFooter:
			footer, err := ParseFooter(record)
			if err != nil {
				return nil, fmt.Errorf("failed to parse footer: %w", err)
			}
			info.Footer = footer
		case OpSchema:
			schema, err := ParseSchema(record)
			if err != nil {
				return nil, fmt.Errorf("failed to parse schema: %w", err)
			}
			info.Schemas[schema.ID] = schema
			stats.SchemaCount++
		case OpChannel:
			channel, err := ParseChannel(record)
			if err != nil {
				return nil, fmt.Errorf("failed to parse channel info: %w", err)
			}
			if _, exists := info.Channels[channel.ID]; !exists {
				stats.ChannelCount++
			}
			info.Channels[channel.ID] = channel
		case OpMessage:
			msg := &Message{}
			if err := msg.PopulateFrom(record, false); err != nil {
				return nil, fmt.Errorf("failed to parse message: %w", err)
			}
			stats.MessageCount++
			stats.ChannelMessageCounts[msg.ChannelID]++
			if stats.MessageStartTime == 0 || msg.LogTime < stats.MessageStartTime {
				stats.MessageStartTime = msg.LogTime
			}
			if msg.LogTime > stats.MessageEndTime {
				stats.MessageEndTime = msg.LogTime
			}
		case OpChunk:
			idx, err := reconstructChunkIndex(r.rs, record, uint64(offset), info)
			if err != nil {
				return nil, fmt.Errorf("failed to reconstruct chunk index: %w", err)
			}
			if err := mergeChunkIntoStatistics(idx, stats); err != nil {
				return nil, err
			}
			info.ChunkIndexes = append(info.ChunkIndexes, idx)
			stats.ChunkCount++
		default:
			// attachments, metadata, and index records are not scanned in this path.
		}
	}
	sortChunkIndexes(info.ChunkIndexes)
	return info, nil
}

// mergeChunkIntoStatistics folds a reconstructed chunk's schema/channel/message counters
// into the running file-level statistics, since reconstructSummaryFromData never sees a
// Statistics record of its own to rely on.
func mergeChunkIntoStatistics(idx *reconstructedChunk, stats *Statistics) error {
	for channelID, count := range idx.channelMessageCounts {
		stats.ChannelMessageCounts[channelID] += count
		stats.MessageCount += count
	}
	if idx.index.MessageStartTime != 0 && (stats.MessageStartTime == 0 || idx.index.MessageStartTime < stats.MessageStartTime) {
		stats.MessageStartTime = idx.index.MessageStartTime
	}
	if idx.index.MessageEndTime > stats.MessageEndTime {
		stats.MessageEndTime = idx.index.MessageEndTime
	}
	return nil
}

type reconstructedChunk struct {
	index                *ChunkIndex
	channelMessageCounts map[uint16]uint64
}

// reconstructChunkIndex decompresses a chunk record found at startOffset (the start of
// the chunk's own record header) and walks its inner records, adding the schemas and
// channels it finds to info, counting messages per channel, and deriving the chunk's
// start/end times from the min/max message log time it contains. The returned index's
// MessageIndexOffsets come only from MessageIndex records that immediately follow the
// chunk on the underlying stream; when none follow it, the map is empty. No MessageIndex
// records are built for the chunk.
func reconstructChunkIndex(rs io.ReadSeeker, record []byte, startOffset uint64, info *Info) (*reconstructedChunk, error) {
	chunk, err := ParseChunk(record)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunk: %w", err)
	}
	uncompressed, err := decompressChunkBody(chunk)
	if err != nil {
		return nil, err
	}

	messageIndexes := make(map[uint16]*MessageIndex)
	counts := make(map[uint16]uint64)
	var startTime, endTime uint64
	haveTime := false
	schemas := info.Schemas
	channels := info.Channels

	r := bytes.NewReader(uncompressed)
	for r.Len() > 0 {
		innerOffset := uint64(len(uncompressed)) - uint64(r.Len())
		opcode, inner, err := readRecord(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read inner chunk record: %w", err)
		}
		switch opcode {
		case OpSchema:
			schema, err := ParseSchema(inner)
			if err != nil {
				return nil, fmt.Errorf("failed to parse schema: %w", err)
			}
			schemas[schema.ID] = schema
		case OpChannel:
			channel, err := ParseChannel(inner)
			if err != nil {
				return nil, fmt.Errorf("failed to parse channel info: %w", err)
			}
			channels[channel.ID] = channel
		case OpMessage:
			msg := &Message{}
			if err := msg.PopulateFrom(inner, false); err != nil {
				return nil, fmt.Errorf("failed to parse message: %w", err)
			}
			mi, ok := messageIndexes[msg.ChannelID]
			if !ok {
				mi = &MessageIndex{ChannelID: msg.ChannelID}
				messageIndexes[msg.ChannelID] = mi
			}
			mi.Add(msg.LogTime, innerOffset)
			counts[msg.ChannelID]++
			if !haveTime || msg.LogTime < startTime {
				startTime = msg.LogTime
				haveTime = true
			}
			if msg.LogTime > endTime {
				endTime = msg.LogTime
			}
		}
	}
	for _, mi := range messageIndexes {
		mi.Records = mi.Entries()
		sort.Slice(mi.Records, func(i, j int) bool {
			if mi.Records[i].Timestamp != mi.Records[j].Timestamp {
				return mi.Records[i].Timestamp < mi.Records[j].Timestamp
			}
			return mi.Records[i].Offset < mi.Records[j].Offset
		})
	}

	offsets := make(map[uint16]uint64, len(messageIndexes))
	if followingOffsets, ok := tryReadFollowingMessageIndexes(rs); ok {
		offsets = followingOffsets
	}

	return &reconstructedChunk{
		index: &ChunkIndex{
			MessageStartTime:    startTime,
			MessageEndTime:      endTime,
			ChunkStartOffset:    startOffset,
			ChunkLength:         9 + uint64(len(record)),
			MessageIndexOffsets: offsets,
			Compression:         CompressionFormat(chunk.Compression),
			CompressedSize:      uint64(len(chunk.Records)),
			UncompressedSize:    chunk.UncompressedSize,
		},
		channelMessageCounts: counts,
	}, nil
}

// tryReadFollowingMessageIndexes peeks at the records immediately following a chunk on
// rs, consuming them if and only if they are MessageIndex records, and returns the
// per-channel file offsets they claim. These are the only MessageIndexOffsets a
// reconstructed chunk index carries.
func tryReadFollowingMessageIndexes(rs io.ReadSeeker) (map[uint16]uint64, bool) {
	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, false
	}
	offsets := make(map[uint16]uint64)
	found := false
	for {
		mark, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			break
		}
		opcode, record, err := readRecord(rs)
		if err != nil {
			break
		}
		if opcode != OpMessageIndex {
			if _, err := rs.Seek(mark, io.SeekStart); err != nil {
				return nil, false
			}
			break
		}
		messageIndex, err := ParseMessageIndex(record)
		if err != nil {
			if _, err := rs.Seek(mark, io.SeekStart); err != nil {
				return nil, false
			}
			break
		}
		offsets[messageIndex.ChannelID] = uint64(mark)
		found = true
	}
	if !found {
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return nil, false
		}
	}
	return offsets, found
}

// decompressChunkBody decompresses an already-parsed chunk's Records payload according
// to its Compression field.
func decompressChunkBody(chunk *Chunk) ([]byte, error) {
	buf := make([]byte, chunk.UncompressedSize)
	switch CompressionFormat(chunk.Compression) {
	case CompressionNone:
		copy(buf, chunk.Records)
	case CompressionZSTD:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to instantiate zstd decoder: %w", err)
		}
		defer decoder.Close()
		buf, err = decoder.DecodeAll(chunk.Records, buf[:0])
		if err != nil {
			return nil, fmt.Errorf("failed to decode chunk data: %w", err)
		}
	case CompressionLZ4:
		lz4r := lz4.NewReader(bytes.NewReader(chunk.Records))
		if _, err := io.ReadFull(lz4r, buf); err != nil {
			return nil, fmt.Errorf("failed to decompress lz4 chunk: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression %s", chunk.Compression)
	}
	if expected := checksumCRC(buf); chunk.UncompressedCRC != 0 && expected != chunk.UncompressedCRC {
		return nil, fmt.Errorf("chunk data crc mismatch: expected %x, got %x", chunk.UncompressedCRC, expected)
	}
	return buf, nil
}
