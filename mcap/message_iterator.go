package mcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/robotic-data/mcap-engine/chunkcache"
)

// MessageIterator yields decoded messages (with their schema and channel) one at a time, in the
// order established when the iterator was constructed. It returns io.EOF once exhausted.
type MessageIterator interface {
	Next([]byte) (*Schema, *Channel, *Message, error)
	Next2(*Message) (*Schema, *Channel, *Message, error)
	NextInto(*Message) (*Schema, *Channel, *Message, error)
}

// Messages returns a MessageIterator over the reader's content. By default it reads unindexed,
// in file order. UsingIndex(true) switches to index-driven reads, which support LogTimeOrder and
// ReverseLogTimeOrder and use an LRU cache (sized by WithChunkCacheSize) to avoid decompressing a
// chunk more than once.
func (r *Reader) Messages(opts ...ReadOpt) (MessageIterator, error) {
	options := &ReadOptions{}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	options.Finalize()

	topicFilter, err := NewTopicFilter(options.Topics)
	if err != nil {
		return nil, fmt.Errorf("failed to compile topic filter: %w", err)
	}

	if options.UseIndex {
		if r.rs == nil {
			return nil, errors.New("cannot use index on a non-seekable source")
		}
		var info *Info
		if options.Reconstruction != ReconstructionNever {
			info, err = r.BuildSummary(options.Reconstruction)
			if err != nil && !errors.Is(err, ErrNoSummarySection) && !errors.Is(err, ErrNoSummaryIndex) {
				return nil, err
			}
		} else {
			info, err = r.Info()
			if err != nil {
				return nil, err
			}
		}
		if info == nil || len(info.ChunkIndexes) == 0 {
			// No chunk index to drive an indexed read (e.g. an unchunked or
			// data-only file): fall back to a linear scan, which only yields file order.
			if options.Order != FileOrder {
				return nil, errors.New("no index available, only file-order reads are supported")
			}
			return r.linearMessageIterator(topicFilter, options)
		}
		cacheSize := options.ChunkCacheSize
		if cacheSize == 0 {
			cacheSize = defaultChunkCacheSize
		}
		return &indexedMessageIterator{
			rs:               r.rs,
			topicFilter:      topicFilter,
			cache:            chunkcache.New(cacheSize),
			start:            options.StartNanos,
			end:              options.EndNanos,
			order:            options.Order,
			predicate:        options.Predicate,
			metadataCallback: options.MetadataCallback,
			presetInfo:       info,
		}, nil
	}

	return r.linearMessageIterator(topicFilter, options)
}

// linearMessageIterator builds an unindexedMessageIterator, rewinding the source to the start
// when it is seekable so that a caller who already consumed it (e.g. a prior Info() call) gets a
// fresh scan from byte zero.
func (r *Reader) linearMessageIterator(topicFilter *TopicFilter, options *ReadOptions) (MessageIterator, error) {
	lexer := r.l
	if r.rs != nil {
		if _, err := r.rs.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek error: %w", err)
		}
		var err error
		lexer, err = NewLexer(r.rs, &LexerOptions{EmitChunks: false})
		if err != nil {
			return nil, fmt.Errorf("failed to create lexer: %w", err)
		}
	}
	return &unindexedMessageIterator{
		lexer:            lexer,
		topicFilter:      topicFilter,
		start:            options.StartNanos,
		end:              options.EndNanos,
		predicate:        options.Predicate,
		metadataCallback: options.MetadataCallback,
	}, nil
}

// defaultChunkCacheSize bounds the number of decompressed chunks an indexed MessageIterator
// keeps in memory when the caller does not specify WithChunkCacheSize.
const defaultChunkCacheSize = 16

// GetMessage performs a random-access lookup of the message on channelID with log time logTime,
// using the chunk index and per-chunk message index records rather than scanning the whole file.
// It returns ErrMessageNotFound if no message on that channel carries exactly that timestamp.
func (r *Reader) GetMessage(channelID uint16, logTime uint64) (*Schema, *Channel, *Message, error) {
	if r.rs == nil {
		return nil, nil, nil, errors.New("random access requires a seekable source")
	}
	info, err := r.Info()
	if err != nil {
		return nil, nil, nil, err
	}
	if info == nil {
		return nil, nil, nil, ErrNoSummarySection
	}
	channel, ok := info.Channels[channelID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("unrecognized channel ID %d", channelID)
	}
	schema := info.Schemas[channel.SchemaID]

	chunkIndexes := make([]*ChunkIndex, 0, len(info.ChunkIndexes))
	for _, ci := range info.ChunkIndexes {
		if _, ok := ci.MessageIndexOffsets[channelID]; ok {
			chunkIndexes = append(chunkIndexes, ci)
		}
	}
	sort.Slice(chunkIndexes, func(i, j int) bool {
		return chunkIndexes[i].MessageStartTime < chunkIndexes[j].MessageStartTime
	})

	for _, ci := range chunkIndexes {
		if logTime < ci.MessageStartTime || logTime > ci.MessageEndTime {
			continue
		}
		offset, found, err := r.findMessageOffsetInChunk(ci, channelID, logTime)
		if err != nil {
			return nil, nil, nil, err
		}
		if !found {
			continue
		}
		data, err := decompressChunkAt(r.rs, ci)
		if err != nil {
			return nil, nil, nil, err
		}
		msg := &Message{}
		if err := loadMessageAtOffset(data, offset, msg); err != nil {
			return nil, nil, nil, err
		}
		return schema, channel, msg, nil
	}
	return nil, nil, nil, ErrMessageNotFound
}

// findMessageOffsetInChunk reads the MessageIndex record for channelID in chunkIndex and binary
// searches it for an entry at exactly logTime, returning its offset into the decompressed chunk.
func (r *Reader) findMessageOffsetInChunk(chunkIndex *ChunkIndex, channelID uint16, logTime uint64) (uint64, bool, error) {
	offset, ok := chunkIndex.MessageIndexOffsets[channelID]
	if !ok {
		return 0, false, nil
	}
	if _, err := r.rs.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, false, fmt.Errorf("failed to seek to message index: %w", err)
	}
	opcode, record, err := readRecord(r.rs)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read message index record: %w", err)
	}
	if opcode != OpMessageIndex {
		return 0, false, fmt.Errorf("expected message index record, found opcode %v", opcode)
	}
	messageIndex, err := ParseMessageIndex(record)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse message index: %w", err)
	}
	entries := messageIndex.Records
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Timestamp >= logTime })
	if i < len(entries) && entries[i].Timestamp == logTime {
		return entries[i].Offset, true, nil
	}
	return 0, false, nil
}

// decompressChunkAt reads and decompresses the chunk at chunkIndex.ChunkStartOffset. It is used
// by random-access lookups, which do not benefit from the iterator's chunk cache or decoder reuse.
func decompressChunkAt(rs io.ReadSeeker, chunkIndex *ChunkIndex) ([]byte, error) {
	if _, err := rs.Seek(int64(chunkIndex.ChunkStartOffset), io.SeekStart); err != nil {
		return nil, err
	}
	compressed := make([]byte, chunkIndex.ChunkLength)
	if _, err := io.ReadFull(rs, compressed); err != nil {
		return nil, fmt.Errorf("failed to read chunk data: %w", err)
	}
	parsedChunk, err := ParseChunk(compressed[9:])
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunk: %w", err)
	}
	buf := make([]byte, parsedChunk.UncompressedSize)
	switch CompressionFormat(parsedChunk.Compression) {
	case CompressionNone:
		copy(buf, parsedChunk.Records)
	case CompressionZSTD:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to instantiate zstd decoder: %w", err)
		}
		defer decoder.Close()
		buf, err = decoder.DecodeAll(parsedChunk.Records, buf[:0])
		if err != nil {
			return nil, fmt.Errorf("failed to decode chunk data: %w", err)
		}
	case CompressionLZ4:
		lz4r := lz4.NewReader(bytes.NewReader(parsedChunk.Records))
		if _, err := io.ReadFull(lz4r, buf); err != nil {
			return nil, fmt.Errorf("failed to decompress lz4 chunk: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression %s", parsedChunk.Compression)
	}
	if expected := checksumCRC(buf); parsedChunk.UncompressedCRC != 0 && expected != parsedChunk.UncompressedCRC {
		return nil, fmt.Errorf("chunk data crc mismatch: expected %x, got %x", parsedChunk.UncompressedCRC, expected)
	}
	return buf, nil
}

// GetMetadata reads and parses the Metadata record at the given file offset, as located by a
// MetadataIndex obtained from Info.
func (r *Reader) GetMetadata(offset uint64) (*Metadata, error) {
	if r.rs == nil {
		return nil, errors.New("random access requires a seekable source")
	}
	if _, err := r.rs.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to metadata: %w", err)
	}
	opcode, record, err := readRecord(r.rs)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata record: %w", err)
	}
	if opcode != OpMetadata {
		return nil, fmt.Errorf("expected metadata record, found opcode %v", opcode)
	}
	return ParseMetadata(record)
}

// GetAttachmentReader opens a streaming reader over the Attachment record at the given file
// offset, as located by an AttachmentIndex obtained from Info.
func (r *Reader) GetAttachmentReader(offset uint64) (*AttachmentReader, error) {
	if r.rs == nil {
		return nil, errors.New("random access requires a seekable source")
	}
	if _, err := r.rs.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to attachment: %w", err)
	}
	buf := make([]byte, 9)
	if _, err := io.ReadFull(r.rs, buf); err != nil {
		return nil, fmt.Errorf("failed to read attachment record header: %w", err)
	}
	if opcode := OpCode(buf[0]); opcode != OpAttachment {
		return nil, fmt.Errorf("expected attachment record, found opcode %v", opcode)
	}
	recordLen := int64(binary.LittleEndian.Uint64(buf[1:]))
	return parseAttachmentReader(io.LimitReader(r.rs, recordLen), true)
}
