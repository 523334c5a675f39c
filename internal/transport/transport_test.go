package transport

import "testing"

func TestChatTopic(t *testing.T) {
	tests := []struct {
		chatID string
		group  bool
		want   string
	}{
		{"42", false, "/topic/chat/42"},
		{"42", true, "/topic/group/42"},
		{"abc-def", false, "/topic/chat/abc-def"},
	}
	for _, tt := range tests {
		if got := ChatTopic(tt.chatID, tt.group); got != tt.want {
			t.Errorf("ChatTopic(%q, %v) = %q, want %q", tt.chatID, tt.group, got, tt.want)
		}
	}
}
