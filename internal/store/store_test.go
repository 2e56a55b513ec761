package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "village.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryCRUD(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.PutMemory(ctx, Memory{AgentID: "AZOTH", Topic: "gardening", Content: "roses prefer morning sun"})
	if err != nil {
		t.Fatalf("PutMemory: %v", err)
	}
	if id <= 0 {
		t.Fatalf("PutMemory id = %d, want > 0", id)
	}

	m, err := s.GetMemory(ctx, id)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if m.Content != "roses prefer morning sun" || m.AgentID != "AZOTH" {
		t.Fatalf("GetMemory = %+v", m)
	}
	if m.CreatedAtUnixMs <= 0 {
		t.Fatalf("CreatedAtUnixMs = %d, want > 0", m.CreatedAtUnixMs)
	}

	hits, err := s.SearchMemories(ctx, "morning", 10)
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != id {
		t.Fatalf("SearchMemories = %+v, want the stored memory", hits)
	}

	if _, err := s.SearchMemories(ctx, "  ", 10); err == nil {
		t.Fatalf("SearchMemories accepted empty query")
	}

	all, err := s.ListMemories(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("ListMemories = %d rows, want 1", len(all))
	}
	byAgent, err := s.ListMemories(ctx, "NOBODY", 10)
	if err != nil {
		t.Fatalf("ListMemories by agent: %v", err)
	}
	if len(byAgent) != 0 {
		t.Fatalf("ListMemories(NOBODY) = %d rows, want 0", len(byAgent))
	}

	if err := s.DeleteMemory(ctx, id); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if err := s.DeleteMemory(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteMemory = %v, want ErrNotFound", err)
	}
	if _, err := s.GetMemory(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMemory after delete = %v, want ErrNotFound", err)
	}
}

func TestPresetUpsert(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SavePreset(ctx, "chill", `{"bpm":80}`); err != nil {
		t.Fatalf("SavePreset: %v", err)
	}
	if err := s.SavePreset(ctx, "chill", `{"bpm":72}`); err != nil {
		t.Fatalf("SavePreset overwrite: %v", err)
	}

	p, err := s.GetPreset(ctx, "chill")
	if err != nil {
		t.Fatalf("GetPreset: %v", err)
	}
	if p.PayloadJSON != `{"bpm":72}` {
		t.Fatalf("PayloadJSON = %q, want updated payload", p.PayloadJSON)
	}

	list, err := s.ListPresets(ctx)
	if err != nil {
		t.Fatalf("ListPresets: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListPresets = %d rows, want 1", len(list))
	}

	if err := s.DeletePreset(ctx, "chill"); err != nil {
		t.Fatalf("DeletePreset: %v", err)
	}
	if _, err := s.GetPreset(ctx, "chill"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPreset after delete = %v, want ErrNotFound", err)
	}
}

func TestConversationMessages(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, "conv_1", "first chat"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := s.AppendMessage(ctx, Message{ConversationID: "conv_1", Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("AppendMessage user: %v", err)
	}
	if _, err := s.AppendMessage(ctx, Message{ConversationID: "conv_1", Role: "assistant", Content: "hi there"}); err != nil {
		t.Fatalf("AppendMessage assistant: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "conv_1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("ListMessages = %+v, want user then assistant", msgs)
	}

	convs, err := s.ListConversations(ctx, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].ConversationID != "conv_1" {
		t.Fatalf("ListConversations = %+v", convs)
	}

	if _, err := s.AppendMessage(ctx, Message{ConversationID: "", Role: "user"}); err == nil {
		t.Fatalf("AppendMessage accepted empty conversation id")
	}
}
