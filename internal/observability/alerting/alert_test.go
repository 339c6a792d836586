package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "OpenCLMM-Chain/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutBroadcastsToAllChannels(t *testing.T) {
	ding := &recordingNotifier{channel: ChannelDingTalk}
	slack := &recordingNotifier{channel: ChannelSlack}
	dispatcher := NewFanout(ding, slack, nil)

	event := Event{
		Code:       "ENGINE.THREAD_HALTED",
		Message:    "停摆",
		Severity:   xerrors.SeverityCritical,
		ThreadID:   "thread-1",
		OccurredAt: time.Now(),
	}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("广播不应失败: %v", err)
	}
	if len(ding.events) != 1 || len(slack.events) != 1 {
		t.Fatalf("两个渠道都应收到事件")
	}
}

func TestFanoutCollectsChannelErrors(t *testing.T) {
	bad := &recordingNotifier{channel: ChannelSlack, err: errors.New("网络抖动")}
	good := &recordingNotifier{channel: ChannelDingTalk}
	dispatcher := NewFanout(bad, good)

	err := dispatcher.Notify(context.Background(), Event{ThreadID: "thread-1"})
	if err == nil {
		t.Fatalf("单渠道失败应向上冒泡")
	}
	if !strings.Contains(err.Error(), string(ChannelSlack)) {
		t.Fatalf("错误应标明失败渠道: %v", err)
	}
	if len(good.events) != 1 {
		t.Fatalf("其余渠道仍应收到事件")
	}
}

func TestDingTalkWebhookSenderPostsTextMessage(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewDingTalkWebhookSender(server.URL)
	if err := sender.Send(context.Background(), "线程停摆"); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	if captured["msgtype"] != "text" {
		t.Fatalf("消息类型应为 text: %+v", captured)
	}
}

func TestSlackWebhookSenderRejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer server.Close()

	sender := NewSlackWebhookSender(server.URL)
	err := sender.Send(context.Background(), "#alerts", "线程停摆")
	if err == nil {
		t.Fatalf("非 2xx 状态应报错")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Fatalf("错误应包含状态码: %v", err)
	}
}
