package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/agentforge/orchestrator/wire/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.JobEvent
}

func (r *recordingSink) Publish(event model.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) snapshot() []model.JobEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.JobEvent, len(r.events))
	copy(out, r.events)
	return out
}

type fakeSeq struct {
	mu      sync.Mutex
	counter map[string]int64
}

func newFakeSeq() *fakeSeq { return &fakeSeq{counter: make(map[string]int64)} }

func (f *fakeSeq) Next(runID, token string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runID + "\x00" + token
	f.counter[key]++
	return f.counter[key]
}

func TestStreamFileProducesManifestChunksAndCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.bin")
	content := bytes.Repeat([]byte{0xAB}, 3*1024*1024) // 3 MiB
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	sink := &recordingSink{}
	streamer := New(1<<20, sink, newFakeSeq(), nil)

	if err := streamer.StreamFile("run-1", "task-1", "tok-1", path); err != nil {
		t.Fatalf("StreamFile: %v", err)
	}

	events := sink.snapshot()
	var chunkCount int
	var lastChunkSeen bool
	var commitHash string
	hasher := sha256.New()

	for i, e := range events {
		if i == 0 && e.Category != model.CategoryArtifactManifest {
			t.Fatalf("expected first event to be artifact.manifest, got %s", e.Category)
		}
		switch e.Category {
		case model.CategoryArtifactChunk:
			if e.ChunkIndex != chunkCount {
				t.Fatalf("chunk index %d out of order (want %d)", e.ChunkIndex, chunkCount)
			}
			hasher.Write(e.BinaryPayload)
			chunkCount++
			if e.IsLastChunk {
				lastChunkSeen = true
			}
		case model.CategoryArtifactCommit:
			commitHash = e.PayloadJson
		}
	}

	if chunkCount != 3 {
		t.Fatalf("got %d chunks, want 3", chunkCount)
	}
	if !lastChunkSeen {
		t.Fatal("expected final chunk to carry IsLastChunk=true")
	}
	want := hex.EncodeToString(hasher.Sum(nil))
	if commitHash == "" || !bytes.Contains([]byte(commitHash), []byte(want)) {
		t.Fatalf("commit hash %q does not contain expected sha256 %q", commitHash, want)
	}

	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatalf("sequence not strictly increasing at index %d", i)
		}
	}
}

func TestStreamFileSkipsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	sink := &recordingSink{}
	streamer := New(1<<20, sink, newFakeSeq(), nil)

	if err := streamer.StreamFile("run-2", "task-2", "tok-2", path); err != nil {
		t.Fatalf("StreamFile: %v", err)
	}
	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no events for an empty file, got %d", len(sink.snapshot()))
	}
}

func TestStreamFileSkipsMissingPath(t *testing.T) {
	sink := &recordingSink{}
	streamer := New(1<<20, sink, newFakeSeq(), nil)

	if err := streamer.StreamFile("run-3", "task-3", "tok-3", "/nonexistent/path"); err != nil {
		t.Fatalf("StreamFile: %v", err)
	}
	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no events for a missing path, got %d", len(sink.snapshot()))
	}
}

func TestUniqueNameAppendsSuffixOnCollision(t *testing.T) {
	streamer := New(1<<20, &recordingSink{}, newFakeSeq(), nil)
	first := streamer.uniqueName("run-4", "report.txt")
	second := streamer.uniqueName("run-4", "report.txt")
	if first != "report.txt" {
		t.Fatalf("got %q, want report.txt", first)
	}
	if second != "report_1.txt" {
		t.Fatalf("got %q, want report_1.txt", second)
	}
}

func TestClampChunkSize(t *testing.T) {
	if got := clampChunkSize(100); got != minChunkSize {
		t.Fatalf("got %d, want %d", got, minChunkSize)
	}
	if got := clampChunkSize(10 << 20); got != maxChunkSize {
		t.Fatalf("got %d, want %d", got, maxChunkSize)
	}
}
