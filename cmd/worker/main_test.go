package main

import (
	"strings"
	"testing"
)

func TestNsqdHTTPAddr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"nsqd:4150", "nsqd:4151"},
		{"127.0.0.1:4150", "127.0.0.1:4151"},
		{"nsqd:5000", "nsqd:5000"},
	}
	for _, tt := range tests {
		if got := nsqdHTTPAddr(tt.in); got != tt.want {
			t.Errorf("nsqdHTTPAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChannelDepth(t *testing.T) {
	const stats = `{
		"topics": [
			{"topic_name": "other", "channels": [{"channel_name": "workers", "depth": 99}]},
			{"topic_name": "deliveries", "channels": [
				{"channel_name": "audit", "depth": 3},
				{"channel_name": "workers", "depth": 17}
			]}
		]
	}`

	tests := []struct {
		name      string
		topic     string
		channel   string
		wantDepth int64
		wantOK    bool
	}{
		{"worker channel", "deliveries", "workers", 17, true},
		{"other channel", "deliveries", "audit", 3, true},
		{"missing channel", "deliveries", "nope", 0, false},
		{"missing topic", "payments", "workers", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			depth, ok, err := channelDepth(strings.NewReader(stats), tt.topic, tt.channel)
			if err != nil {
				t.Fatalf("channelDepth() error: %v", err)
			}
			if depth != tt.wantDepth || ok != tt.wantOK {
				t.Errorf("channelDepth() = %d, %v, want %d, %v", depth, ok, tt.wantDepth, tt.wantOK)
			}
		})
	}

	if _, _, err := channelDepth(strings.NewReader("not json"), "deliveries", "workers"); err == nil {
		t.Error("channelDepth() on bad input expected error")
	}
}
