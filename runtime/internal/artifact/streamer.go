// Package artifact streams files a harness run produced back to the
// control plane as manifest/chunk/commit event triples (C7). Grounded on
// restic.Wrapper's runWithProgress: a buffered reader fed through a
// callback, generalized from "parse a JSON progress line" to "emit a
// fixed-size chunk and keep hashing incrementally".
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/wire/model"
)

// Sink is how the streamer publishes events; satisfied by *eventbus.Bus.
type Sink interface {
	Publish(event model.JobEvent)
}

// Sequencer hands out the run's shared per-(RunId,ExecutionToken) sequence
// numbers; satisfied by *eventbus.Sequencer.
type Sequencer interface {
	Next(runID, executionToken string) int64
}

const (
	minChunkSize = 4 * 1024
	maxChunkSize = 1 << 20
)

// clampChunkSize bounds a configured chunk size into [4 KiB, 1 MiB].
func clampChunkSize(size int) int {
	if size < minChunkSize {
		return minChunkSize
	}
	if size > maxChunkSize {
		return maxChunkSize
	}
	return size
}

// Streamer delivers one run's produced files as manifest->chunk*->commit
// event triples.
type Streamer struct {
	chunkSize int
	sink      Sink
	seq       Sequencer
	logger    *zap.Logger

	// usedNames de-duplicates file names within one run's lifetime so two
	// artifacts with the same base name don't collide on the wire.
	mu        sync.Mutex
	usedNames map[string]int
}

func New(chunkSize int, sink Sink, seq Sequencer, logger *zap.Logger) *Streamer {
	return &Streamer{
		chunkSize: clampChunkSize(chunkSize),
		sink:      sink,
		seq:       seq,
		logger:    logger,
		usedNames: make(map[string]int),
	}
}

// StreamFile streams one artifact path for a run/execution pair. A missing
// path or an empty file is skipped with a logged warning and never
// produces a partial manifest/chunk/commit sequence.
func (s *Streamer) StreamFile(runID, taskID, executionToken, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("artifact: skipping unreadable path", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("artifact: skipping path with unreadable stat", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	if info.Size() == 0 {
		if s.logger != nil {
			s.logger.Warn("artifact: skipping empty file", zap.String("path", path))
		}
		return nil
	}

	artifactID := uuid.NewString()
	fileName := s.uniqueName(runID, filepath.Base(path))
	contentType := contentTypeFor(fileName)
	totalChunks := int((info.Size() + int64(s.chunkSize) - 1) / int64(s.chunkSize))

	s.publish(runID, taskID, executionToken, model.JobEvent{
		EventType:   "artifact.manifest",
		Category:    model.CategoryArtifactManifest,
		ArtifactId:  artifactID,
		ContentType: contentType,
		PayloadJson: fmt.Sprintf(`{"artifactId":%q,"fileName":%q,"contentType":%q,"sizeBytes":%d,"totalChunks":%d}`,
			artifactID, fileName, contentType, info.Size(), totalChunks),
	})

	hasher := sha256.New()
	buf := make([]byte, s.chunkSize)
	chunkIndex := 0
	remaining := info.Size()

	for remaining > 0 {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			hasher.Write(buf[:n])
			remaining -= int64(n)
			isLast := remaining <= 0

			s.publish(runID, taskID, executionToken, model.JobEvent{
				EventType:     "artifact.chunk",
				Category:      model.CategoryArtifactChunk,
				ArtifactId:    artifactID,
				ChunkIndex:    chunkIndex,
				IsLastChunk:   isLast,
				ContentType:   contentType,
				BinaryPayload: append([]byte(nil), buf[:n]...),
			})
			chunkIndex++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("artifact: read %s: %w", path, readErr)
		}
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	s.publish(runID, taskID, executionToken, model.JobEvent{
		EventType:   "artifact.commit",
		Category:    model.CategoryArtifactCommit,
		ArtifactId:  artifactID,
		ContentType: contentType,
		PayloadJson: fmt.Sprintf(`{"artifactId":%q,"sha256":%q}`, artifactID, sum),
	})
	return nil
}

// uniqueName appends "_N" to base on collision within the run, per spec.
func (s *Streamer) uniqueName(runID, base string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runID + "\x00" + base
	count := s.usedNames[key]
	s.usedNames[key] = count + 1
	if count == 0 {
		return base
	}
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	return fmt.Sprintf("%s_%d%s", stem, count, ext)
}

func (s *Streamer) publish(runID, taskID, executionToken string, event model.JobEvent) {
	event.RunId = runID
	event.TaskId = taskID
	event.ExecutionToken = executionToken
	event.Sequence = s.seq.Next(runID, executionToken)
	event.Timestamp = nowMillis()
	s.sink.Publish(event)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func contentTypeFor(fileName string) string {
	switch filepath.Ext(fileName) {
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".diff", ".patch":
		return "text/x-diff"
	default:
		return "application/octet-stream"
	}
}
