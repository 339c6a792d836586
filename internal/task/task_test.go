package task

import (
	"testing"
	"time"
)

func TestAdvanceAllocatesID(t *testing.T) {
	updated, event := Advance(nil, StatusSubmitted, "新建周期任务")
	if updated.ID == "" {
		t.Fatalf("expected task id to be allocated")
	}
	if event.TaskID != updated.ID {
		t.Fatalf("event task id %s does not match task id %s", event.TaskID, updated.ID)
	}
	if updated.Status != StatusSubmitted {
		t.Fatalf("unexpected status: %s", updated.Status)
	}
	if updated.UpdatedAt == 0 || event.Timestamp != updated.UpdatedAt {
		t.Fatalf("timestamps not stamped consistently: %d vs %d", updated.UpdatedAt, event.Timestamp)
	}
}

func TestAdvanceKeepsExistingID(t *testing.T) {
	original, _ := Advance(nil, StatusSubmitted, "")
	time.Sleep(time.Millisecond)

	updated, event := Advance(&original, StatusWorking, "开始轮询")
	if updated.ID != original.ID {
		t.Fatalf("expected id %s to be preserved, got %s", original.ID, updated.ID)
	}
	if updated.Status != StatusWorking || event.Status != StatusWorking {
		t.Fatalf("unexpected status: task=%s event=%s", updated.Status, event.Status)
	}
	if event.Message != "开始轮询" {
		t.Fatalf("unexpected event message: %s", event.Message)
	}
}

func TestAdvanceAllowsAnyTransition(t *testing.T) {
	// 合法性由工作流步骤负责，助手本身不做状态对校验。
	done, _ := Advance(nil, StatusCompleted, "")
	reopened, _ := Advance(&done, StatusWorking, "再次进入周期")
	if reopened.ID != done.ID {
		t.Fatalf("id should survive arbitrary transitions")
	}
	if reopened.Status != StatusWorking {
		t.Fatalf("unexpected status: %s", reopened.Status)
	}
}

func TestStatusSets(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCanceled, StatusFailed, StatusRejected, StatusUnknown}
	active := []Status{StatusSubmitted, StatusWorking, StatusInputRequired, StatusAuthRequired}

	for _, status := range terminal {
		if !IsTerminal(status) || IsActive(status) {
			t.Fatalf("%s should be terminal and not active", status)
		}
		if !IsValidStatus(status) {
			t.Fatalf("%s should be a valid status", status)
		}
	}
	for _, status := range active {
		if IsTerminal(status) || !IsActive(status) {
			t.Fatalf("%s should be active and not terminal", status)
		}
		if !IsValidStatus(status) {
			t.Fatalf("%s should be a valid status", status)
		}
	}
	if IsValidStatus(Status("paused")) {
		t.Fatalf("unexpected status accepted")
	}
}
