package storage

import (
	"context"
	"testing"
	"time"

	cerrors "Citadel-Core/internal/errors"
	"Citadel-Core/internal/hearing"
)

func sampleRecord(userID string, at time.Time) *hearing.Record {
	record := hearing.NewRecord(userID, "send 1 ETH")
	record.CreatedAt = at
	_ = record.AttachPerception(&hearing.PerceptionOutput{Status: hearing.PerceptionClear})
	record.Finalize(hearing.VerdictAllowed, "ok")
	return record
}

func TestSaveAndGetHearing(t *testing.T) {
	store := NewMemoryHearingStore()
	record := sampleRecord("alice", time.Now())

	if err := store.SaveHearing(context.Background(), record); err != nil {
		t.Fatalf("保存听证记录失败: %v", err)
	}

	loaded, err := store.GetHearing(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("读取听证记录失败: %v", err)
	}
	if loaded.FinalVerdict != hearing.VerdictAllowed {
		t.Fatalf("裁决不一致: %s", loaded.FinalVerdict)
	}
	if loaded.Perception == nil || loaded.Perception.Status != hearing.PerceptionClear {
		t.Fatal("感知分段丢失")
	}
}

func TestDuplicateSaveIsConflict(t *testing.T) {
	store := NewMemoryHearingStore()
	record := sampleRecord("alice", time.Now())

	if err := store.SaveHearing(context.Background(), record); err != nil {
		t.Fatalf("保存听证记录失败: %v", err)
	}
	err := store.SaveHearing(context.Background(), record)
	if cerrors.CodeOf(err) != cerrors.CodeConflict {
		t.Fatalf("重复写入应返回冲突, 实际 %v", err)
	}
}

func TestListHearingsByUserNewestFirst(t *testing.T) {
	store := NewMemoryHearingStore()
	base := time.Now()

	old := sampleRecord("alice", base.Add(-time.Hour))
	fresh := sampleRecord("alice", base)
	other := sampleRecord("bob", base)
	for _, r := range []*hearing.Record{old, fresh, other} {
		if err := store.SaveHearing(context.Background(), r); err != nil {
			t.Fatalf("保存失败: %v", err)
		}
	}

	list, err := store.ListHearingsByUser(context.Background(), "alice", 0)
	if err != nil {
		t.Fatalf("检索失败: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("应只返回 alice 的记录, 实际 %d 条", len(list))
	}
	if list[0].ID != fresh.ID {
		t.Fatal("新记录应排在前面")
	}

	limited, err := store.ListHearingsByUser(context.Background(), "alice", 1)
	if err != nil {
		t.Fatalf("限量检索失败: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit 应生效, 实际 %d 条", len(limited))
	}
}

func TestGetMissingHearing(t *testing.T) {
	store := NewMemoryHearingStore()
	_, err := store.GetHearing(context.Background(), "nope")
	if cerrors.CodeOf(err) != cerrors.CodeNotFound {
		t.Fatalf("不存在的记录应返回 NOT_FOUND, 实际 %v", err)
	}
}
